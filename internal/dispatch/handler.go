package dispatch

import (
	"context"

	"github.com/apex-x/inference-envelope/internal/batch"
)

// ExecutionContext exposes read-only model metadata to a handler. The
// dispatcher and envelopes pass it through without looking at it.
type ExecutionContext interface {
	ModelName() string
	ModelVersion() string
	ArtifactPath() string
}

// Handler runs inference for one canonical batch and returns exactly one
// result per item, in item order. Implementations that are not safe for
// concurrent calls must say so; the dispatcher does not serialize calls.
type Handler interface {
	Handle(ctx context.Context, b batch.Batch, ec ExecutionContext) ([]batch.Result, error)
}

type HandlerFunc func(ctx context.Context, b batch.Batch, ec ExecutionContext) ([]batch.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, b batch.Batch, ec ExecutionContext) ([]batch.Result, error) {
	return f(ctx, b, ec)
}
