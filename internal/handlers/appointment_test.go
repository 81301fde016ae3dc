package handlers_test

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/drcal/internal/domain"
	"github.com/you/drcal/internal/handlers"
)

// fakeLocker implements named try-locks in memory.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	releases int
	err      error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryAcquire(_ context.Context, key string) (func(context.Context), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	release := func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] {
			delete(l.held, key)
			l.releases++
		}
	}
	return release, true, nil
}

func appointmentPayload(t *testing.T, appt domain.Appointment) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(appt)
	require.NoError(t, err)
	return raw
}

func TestAppointmentProcessor_ProcessesAndReleases(t *testing.T) {
	locks := newFakeLocker()
	h := handlers.NewAppointmentProcessor(locks, zap.NewNop())

	out, err := h.Handle(context.Background(), appointmentPayload(t, domain.Appointment{
		ID:       "a1",
		DoctorID: "d1",
	}))
	require.NoError(t, err)

	var result domain.ProcessResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "a1", result.EntityID)
	assert.Equal(t, "processed", result.Status)
	assert.Equal(t, "appointment_a1", result.LockKey)
	assert.False(t, result.ProcessedAt.IsZero())

	assert.Equal(t, []string{"appointment_a1"}, locks.acquired)
	assert.Equal(t, 1, locks.releases)
	assert.Empty(t, locks.held)
}

func TestAppointmentProcessor_ContendedLock(t *testing.T) {
	locks := newFakeLocker()
	locks.held["appointment_a1"] = true
	h := handlers.NewAppointmentProcessor(locks, zap.NewNop())
	payload := appointmentPayload(t, domain.Appointment{ID: "a1"})

	_, err := h.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyProcessing))
	assert.Equal(t, 0, locks.releases, "a lock we never held must not be released")

	// Once the holder lets go the same job goes through.
	delete(locks.held, "appointment_a1")
	_, err = h.Handle(context.Background(), payload)
	assert.NoError(t, err)
}

func TestAppointmentProcessor_MissingIDFallsBackToTimestampKey(t *testing.T) {
	locks := newFakeLocker()
	h := handlers.NewAppointmentProcessor(locks, zap.NewNop())

	out, err := h.Handle(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	var result domain.ProcessResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Regexp(t, regexp.MustCompile(`^appointment_\d+$`), result.LockKey)
}

func TestAppointmentProcessor_LockerError(t *testing.T) {
	locks := newFakeLocker()
	locks.err = errors.New("pg down")
	h := handlers.NewAppointmentProcessor(locks, zap.NewNop())

	_, err := h.Handle(context.Background(), appointmentPayload(t, domain.Appointment{ID: "a1"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrAlreadyProcessing))
}

func TestAppointmentProcessor_BadPayload(t *testing.T) {
	locks := newFakeLocker()
	h := handlers.NewAppointmentProcessor(locks, zap.NewNop())

	_, err := h.Handle(context.Background(), json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.Empty(t, locks.acquired)
}
