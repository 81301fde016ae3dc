// Package worker runs the pool of slots that pull jobs from the queue store
// and dispatch them to registered handlers.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
	"github.com/you/drcal/internal/queue"
)

// Config holds pool settings. Zero values fall back to defaults.
type Config struct {
	Concurrency     int           // execution slots, default 5
	Block           time.Duration // how long a slot blocks waiting for work
	JanitorInterval time.Duration // delayed-promotion and reclaim cadence
	ActiveTTL       time.Duration // active longer than this gets requeued
	ShutdownGrace   time.Duration // bound on draining in-flight handlers
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = time.Second
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Hooks let consumers observe job outcomes and pool faults, e.g. for metrics.
// The pool keeps running whether or not they are set.
type Hooks struct {
	OnCompleted func(job *domain.Job, result json.RawMessage)
	OnRetried   func(job *domain.Job, delay time.Duration, err error)
	OnFailed    func(job *domain.Job, err error)
	OnError     func(err error)
}

// Pool is a fixed-size set of slots sharing one queue store. Several pools in
// separate processes may share the same store; the store's atomic pull is the
// only coordination between them.
type Pool struct {
	store    queue.Store
	registry *Registry
	cfg      Config
	log      *zap.Logger
	wg       sync.WaitGroup

	// Hooks must be set before Start.
	Hooks Hooks
}

func New(store queue.Store, registry *Registry, cfg Config, log *zap.Logger) *Pool {
	cfg.withDefaults()
	return &Pool{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      log,
	}
}

// Start runs the slots and the janitor until ctx is cancelled, then drains
// in-flight handlers within the shutdown grace period.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info("worker pool starting",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("active_ttl", p.cfg.ActiveTTL))

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.slot(ctx)
	}
	p.wg.Add(1)
	go p.janitor(ctx)

	<-ctx.Done()
	return p.drain()
}

func (p *Pool) drain() error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-time.After(p.cfg.ShutdownGrace):
		return errors.New("worker: shutdown grace elapsed with handlers still running")
	}
}

func (p *Pool) slot(ctx context.Context) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.Pull(ctx, p.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.fault(errors.Wrap(err, "pull"))
			// don't spin against a dead store
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if job == nil {
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job *domain.Job) {
	// In-flight work is allowed to finish during shutdown; the drain grace
	// period bounds how long that can take.
	hctx := context.WithoutCancel(ctx)

	handler, ok := p.registry.Resolve(job.Kind)
	if !ok {
		p.fail(hctx, job, errors.Wrap(domain.ErrUnknownKind, string(job.Kind)))
		return
	}

	result, err := p.run(hctx, handler, job)
	if err != nil {
		p.handleError(hctx, job, err)
		return
	}

	if err := p.store.Complete(hctx, job, result); err != nil {
		p.fault(errors.Wrap(err, "complete"))
		return
	}
	job.Status = domain.StatusCompleted
	p.log.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.AttemptsMade))
	if p.Hooks.OnCompleted != nil {
		p.Hooks.OnCompleted(job, result)
	}
}

func (p *Pool) run(ctx context.Context, h Handler, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(ctx, job.Payload)
}

func (p *Pool) handleError(ctx context.Context, job *domain.Job, err error) {
	if job.ShouldRetry() {
		delay := queue.RetryDelay(job.Backoff, job.AttemptsMade)
		if rerr := p.store.Retry(ctx, job, delay, err.Error()); rerr != nil {
			p.fault(errors.Wrap(rerr, "retry"))
			return
		}
		p.log.Warn("job retried",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.AttemptsMade),
			zap.Duration("delay", delay),
			zap.Error(err))
		if p.Hooks.OnRetried != nil {
			p.Hooks.OnRetried(job, delay, err)
		}
		return
	}
	p.fail(ctx, job, err)
}

func (p *Pool) fail(ctx context.Context, job *domain.Job, err error) {
	if ferr := p.store.Fail(ctx, job, err.Error()); ferr != nil {
		p.fault(errors.Wrap(ferr, "fail"))
		return
	}
	job.Status = domain.StatusFailed
	p.log.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.AttemptsMade),
		zap.Error(err))
	if p.Hooks.OnFailed != nil {
		p.Hooks.OnFailed(job, err)
	}
}

// janitor promotes due delayed jobs into the waiting queue and requeues jobs
// stuck active past the TTL (a worker that died mid-handler).
func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()
	tick := time.NewTicker(p.cfg.JanitorInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		if _, err := p.store.PromoteDue(ctx, time.Now(), 200); err != nil && ctx.Err() == nil {
			p.fault(errors.Wrap(err, "promote due"))
		}
		n, err := p.store.ReclaimStale(ctx, p.cfg.ActiveTTL, 100)
		if err != nil && ctx.Err() == nil {
			p.fault(errors.Wrap(err, "reclaim stale"))
		}
		if n > 0 {
			p.log.Warn("requeued stale active jobs", zap.Int("count", n))
		}
	}
}

func (p *Pool) fault(err error) {
	p.log.Error("worker pool fault", zap.Error(err))
	if p.Hooks.OnError != nil {
		p.Hooks.OnError(err)
	}
}
