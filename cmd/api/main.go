package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/drcal/internal/api"
	"github.com/you/drcal/internal/config"
	"github.com/you/drcal/internal/handlers"
	"github.com/you/drcal/internal/lock"
	"github.com/you/drcal/internal/queue"
	"github.com/you/drcal/internal/storage"
	"github.com/you/drcal/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runMigrations(cfg); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	qstore := queue.NewRedis(rdb, cfg.QueueName)
	qstore.SetRetention(cfg.KeepCompleted, cfg.KeepFailed)
	jobs := queue.NewClient(qstore, queue.Defaults{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
	}, log)

	srv := api.NewServer(storage.New(db), jobs, qstore, cfg.APIKey, cfg.AppEnv, log)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: srv.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	// Queue backing is optional at start-up: with Redis down the API still
	// serves, just without background processing. Enqueues fail soft until
	// it comes back.
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	pingErr := qstore.Ping(pingCtx)
	cancel()
	if pingErr != nil {
		log.Warn("queue store unreachable, background processing disabled", zap.Error(pingErr))
	} else {
		registry := worker.NewRegistry()
		registry.Register(handlers.NewAppointmentProcessor(lock.New(db), log))
		registry.Register(handlers.NewNotificationSender(handlers.LogSender{Log: log}))

		pool := worker.New(qstore, registry, worker.Config{
			Concurrency:     cfg.Concurrency,
			Block:           cfg.BlockInterval,
			JanitorInterval: cfg.JanitorInterval,
			ActiveTTL:       cfg.ActiveTTL,
			ShutdownGrace:   cfg.ShutdownGrace,
		}, log)
		g.Go(func() error { return pool.Start(gctx) })
	}

	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("exited with error", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "development" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

// runMigrations applies the goose migrations through the pgx stdlib driver.
func runMigrations(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}
