// Package handlers contains the built-in job handlers.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
)

// Locker grants short-lived named mutual exclusion. release must be safe to
// call more than once.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(context.Context), locked bool, err error)
}

// AppointmentProcessor handles process-appointment jobs. At most one
// processor works on a given appointment at a time, enforced by the advisory
// lock; a contended job fails with ErrAlreadyProcessing and is retried.
type AppointmentProcessor struct {
	locks Locker
	log   *zap.Logger
}

func NewAppointmentProcessor(locks Locker, log *zap.Logger) *AppointmentProcessor {
	return &AppointmentProcessor{locks: locks, log: log}
}

func (h *AppointmentProcessor) Kind() domain.Kind {
	return domain.KindProcessAppointment
}

func (h *AppointmentProcessor) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var appt domain.Appointment
	if err := json.Unmarshal(payload, &appt); err != nil {
		return nil, errors.Wrap(err, "decode appointment")
	}

	key := lockKey(appt.ID)
	release, locked, err := h.locks.TryAcquire(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "advisory lock")
	}
	if !locked {
		return nil, errors.Wrapf(domain.ErrAlreadyProcessing, "lock %s held", key)
	}
	defer release(ctx)

	h.log.Info("appointment processed",
		zap.String("appointment_id", appt.ID),
		zap.String("doctor_id", appt.DoctorID),
		zap.String("lock_key", key))

	return json.Marshal(domain.ProcessResult{
		EntityID:    appt.ID,
		Status:      "processed",
		ProcessedAt: time.Now().UTC(),
		LockKey:     key,
	})
}

// lockKey derives the mutual-exclusion key from the appointment id. A payload
// without an id falls back to a timestamp key, which never contends with
// anything; that best-effort behavior is kept deliberately.
func lockKey(id string) string {
	if id == "" {
		return fmt.Sprintf("appointment_%d", time.Now().UnixMilli())
	}
	return "appointment_" + id
}
