package worker_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/drcal/internal/domain"
	"github.com/you/drcal/internal/worker"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	registry := worker.NewRegistry()
	h := funcHandler{kind: domain.KindProcessAppointment, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}}

	registry.Register(h)

	got, ok := registry.Resolve(domain.KindProcessAppointment)
	require.True(t, ok)
	assert.Equal(t, domain.KindProcessAppointment, got.Kind())
}

func TestRegistry_UnknownKind(t *testing.T) {
	registry := worker.NewRegistry()

	_, ok := registry.Resolve(domain.Kind("nope"))
	assert.False(t, ok)
}

func TestRegistry_ReplacesBinding(t *testing.T) {
	registry := worker.NewRegistry()
	first := funcHandler{kind: domain.KindSendNotification, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"first"`), nil
	}}
	second := funcHandler{kind: domain.KindSendNotification, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"second"`), nil
	}}

	registry.Register(first)
	registry.Register(second)

	h, ok := registry.Resolve(domain.KindSendNotification)
	require.True(t, ok)
	out, err := h.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, `"second"`, string(out))
}
