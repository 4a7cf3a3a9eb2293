package service

import (
	"context"

	"github.com/apex-x/inference-envelope/internal/batch"
	"github.com/apex-x/inference-envelope/internal/dispatch"
)

// EchoHandler returns each item's payload as its result. It is safe for
// concurrent use.
type EchoHandler struct{}

func (EchoHandler) Handle(ctx context.Context, b batch.Batch, _ dispatch.ExecutionContext) ([]batch.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]batch.Result, b.Len())
	for idx, item := range b.Items {
		results[idx] = item.Data
	}
	return results, nil
}
