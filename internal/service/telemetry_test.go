package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	mu      sync.Mutex
	started []PredictEvent
	done    []PredictEvent
	jobs    []JobEvent
}

func (h *recordingHooks) OnPredictStart(_ context.Context, event PredictEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, event)
}

func (h *recordingHooks) OnPredictDone(_ context.Context, event PredictEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = append(h.done, event)
}

func (h *recordingHooks) OnJob(_ context.Context, event JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, event)
}

func (h *recordingHooks) snapshot() ([]PredictEvent, []PredictEvent, []JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PredictEvent(nil), h.started...),
		append([]PredictEvent(nil), h.done...),
		append([]JobEvent(nil), h.jobs...)
}

func TestMultiTelemetryHooksFansOut(t *testing.T) {
	first := &recordingHooks{}
	second := &recordingHooks{}
	hooks := MultiTelemetryHooks{first, nil, second}

	jobErr := errors.New("boom")
	hooks.OnPredictStart(context.Background(), PredictEvent{Route: routeV2Infer})
	hooks.OnPredictDone(context.Background(), PredictEvent{Route: routeV2Infer, Status: 200})
	hooks.OnJob(context.Background(), JobEvent{QueueDepth: 3, Err: jobErr})

	for _, recorder := range []*recordingHooks{first, second} {
		started, done, jobs := recorder.snapshot()
		require.Len(t, started, 1)
		require.Len(t, done, 1)
		require.Len(t, jobs, 1)
		assert.Equal(t, 200, done[0].Status)
		assert.Equal(t, 3, jobs[0].QueueDepth)
		assert.ErrorIs(t, jobs[0].Err, jobErr)
	}
}
