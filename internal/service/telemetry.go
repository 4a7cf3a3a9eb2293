package service

import (
	"context"
	"time"

	"github.com/apex-x/inference-envelope/internal/envelope"
)

// PredictEvent describes one predict request at the HTTP layer. Status,
// Duration and Err are zero on start.
type PredictEvent struct {
	Route     string
	RequestID string
	Protocol  envelope.Protocol
	Status    int
	Duration  time.Duration
	Err       error
}

// JobEvent describes one job run by the worker pool. QueueDepth is the
// depth observed when the job was picked up.
type JobEvent struct {
	QueueWait  time.Duration
	RunTime    time.Duration
	QueueDepth int
	Err        error
}

// TelemetryHooks receive predict and pool events. Metrics implements them;
// tracing integrations can be added alongside through MultiTelemetryHooks.
type TelemetryHooks interface {
	OnPredictStart(ctx context.Context, event PredictEvent)
	OnPredictDone(ctx context.Context, event PredictEvent)
	OnJob(ctx context.Context, event JobEvent)
}

type NopTelemetryHooks struct{}

func (NopTelemetryHooks) OnPredictStart(context.Context, PredictEvent) {}

func (NopTelemetryHooks) OnPredictDone(context.Context, PredictEvent) {}

func (NopTelemetryHooks) OnJob(context.Context, JobEvent) {}

// MultiTelemetryHooks forwards every event to each hook in order. Nil
// entries are skipped.
type MultiTelemetryHooks []TelemetryHooks

func (m MultiTelemetryHooks) OnPredictStart(ctx context.Context, event PredictEvent) {
	for _, hooks := range m {
		if hooks != nil {
			hooks.OnPredictStart(ctx, event)
		}
	}
}

func (m MultiTelemetryHooks) OnPredictDone(ctx context.Context, event PredictEvent) {
	for _, hooks := range m {
		if hooks != nil {
			hooks.OnPredictDone(ctx, event)
		}
	}
}

func (m MultiTelemetryHooks) OnJob(ctx context.Context, event JobEvent) {
	for _, hooks := range m {
		if hooks != nil {
			hooks.OnJob(ctx, event)
		}
	}
}
