package queue

import (
	"fmt"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/drcal/internal/domain"
)

func TestClampPriority(t *testing.T) {
	assert.Equal(t, 0, clampPriority(-1))
	assert.Equal(t, 0, clampPriority(0))
	assert.Equal(t, 5, clampPriority(5))
	assert.Equal(t, MaxPriority, clampPriority(MaxPriority))
	assert.Equal(t, MaxPriority, clampPriority(100))
}

func TestWaitKeysOrderedByPriority(t *testing.T) {
	s := NewRedis(r.NewClient(&r.Options{}), "appointments")

	keys := s.waitKeys()
	require.Len(t, keys, MaxPriority+1)
	assert.Equal(t, "q:appointments:wait:0", keys[0])
	assert.Equal(t, "q:appointments:wait:9", keys[MaxPriority])
}

func TestJobKeyNamespaced(t *testing.T) {
	s := NewRedis(r.NewClient(&r.Options{}), "appointments")

	assert.Equal(t, "q:appointments:job:abc", s.jobKey("abc"))
	assert.Equal(t, "q:appointments:delayed", s.delayedKey())
	assert.Equal(t, "q:appointments:active", s.activeKey())
}

func TestJobFieldsRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &domain.Job{
		ID:           "j1",
		Kind:         domain.KindProcessAppointment,
		Payload:      []byte(`{"id":"a1"}`),
		Priority:     1,
		Delay:        3 * time.Second,
		RunAt:        created.Add(3 * time.Second),
		AttemptsMade: 2,
		MaxAttempts:  3,
		Backoff:      domain.DefaultBackoff(),
		Status:       domain.StatusWaiting,
		LastError:    "provider timeout",
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	// Redis hands hash values back as strings.
	fields := jobFields(in)
	asStrings := make(map[string]string, len(fields))
	for k, v := range fields {
		asStrings[k] = fmt.Sprintf("%v", v)
	}

	out, err := jobFromFields("j1", asStrings)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
