// The worker binary runs a pool against the shared queue store without the
// HTTP API. Any number of worker processes can share one Redis/Postgres pair;
// the store's atomic pull keeps them from stepping on each other.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/config"
	"github.com/you/drcal/internal/domain"
	"github.com/you/drcal/internal/handlers"
	"github.com/you/drcal/internal/lock"
	"github.com/you/drcal/internal/queue"
	"github.com/you/drcal/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	qstore := queue.NewRedis(rdb, cfg.QueueName)
	qstore.SetRetention(cfg.KeepCompleted, cfg.KeepFailed)

	// A worker without its store is useless, so unlike the API this process
	// refuses to start degraded.
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = qstore.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Fatal("queue store unreachable", zap.Error(err))
	}

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

	var completed, failed atomic.Int64
	pool.Hooks = worker.Hooks{
		OnCompleted: func(*domain.Job, json.RawMessage) { completed.Add(1) },
		OnFailed:    func(*domain.Job, error) { failed.Add(1) },
	}

	started := time.Now()
	err = pool.Start(ctx)
	log.Info("worker stopped",
		zap.Int64("completed", completed.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Duration("uptime", time.Since(started)))
	if err != nil && !errors.Is(err, context.Canceled) {
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
