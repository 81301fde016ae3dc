package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
)

// Defaults are applied to submitted jobs that don't override them.
type Defaults struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Option adjusts a single submission.
type Option func(*options)

type options struct {
	priority    int
	prioritySet bool
	delay       time.Duration
	maxAttempts int
}

// WithPriority overrides the kind's default priority. Lower runs first.
func WithPriority(p int) Option {
	return func(o *options) {
		o.priority = p
		o.prioritySet = true
	}
}

// WithDelay makes the job eligible only after d has elapsed.
func WithDelay(d time.Duration) Option {
	return func(o *options) { o.delay = d }
}

// WithMaxAttempts overrides the default attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// Client is the enqueue surface handed to request handlers and the webhook
// adapter. It is constructed once at start-up and passed by reference.
type Client struct {
	store Store
	def   Defaults
	log   *zap.Logger
}

func NewClient(store Store, def Defaults, log *zap.Logger) *Client {
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 3
	}
	if def.BackoffBase <= 0 {
		def.BackoffBase = 2 * time.Second
	}
	return &Client{store: store, def: def, log: log}
}

// Submit persists a new waiting job and returns it with its assigned id.
// The kind is not checked against registered handlers here; a kind nobody
// handles fails permanently at dispatch instead.
func (c *Client) Submit(ctx context.Context, kind domain.Kind, payload any, opts ...Option) (*domain.Job, error) {
	if kind == "" {
		return nil, errors.New("submit: empty job kind")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "submit: marshal payload")
	}

	priority := defaultPriority(kind)
	if o.prioritySet {
		priority = o.priority
	}
	maxAttempts := c.def.MaxAttempts
	if o.maxAttempts > 0 {
		maxAttempts = o.maxAttempts
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		Priority:    clampPriority(priority),
		Delay:       o.delay,
		MaxAttempts: maxAttempts,
		Backoff: domain.Backoff{
			Base:   c.def.BackoffBase,
			Factor: 2,
			Max:    time.Minute,
		},
		Status:    domain.StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if o.delay > 0 {
		job.RunAt = now.Add(o.delay)
	}

	if err := c.store.Enqueue(ctx, job); err != nil {
		return nil, errors.Wrap(err, "submit")
	}

	c.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", o.delay))
	return job, nil
}

func defaultPriority(kind domain.Kind) int {
	switch kind {
	case domain.KindProcessAppointment:
		return 1
	case domain.KindSendNotification:
		return 2
	}
	return 2
}
