// Package dispatch binds one envelope to one handler and exposes the single
// raw-in/raw-out entry point used by the serving runtime.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/apex-x/inference-envelope/internal/envelope"
)

// Observer receives one notification per Handle call. batchSize is 0 when
// the request was rejected before parsing completed.
type Observer interface {
	ObserveDispatch(protocol envelope.Protocol, batchSize int, duration time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(envelope.Protocol, int, time.Duration, error) {}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// Dispatcher is immutable after New and safe for concurrent use as long as
// its handler is.
type Dispatcher struct {
	envelope envelope.Envelope
	handler  Handler
	logger   *zap.Logger
	observer Observer
}

func New(env envelope.Envelope, handler Handler, opts ...Option) (*Dispatcher, error) {
	if env == nil {
		return nil, errors.New("envelope must not be nil")
	}
	if handler == nil {
		return nil, errors.New("handler must not be nil")
	}
	d := &Dispatcher{
		envelope: env,
		handler:  handler,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dispatcher) Protocol() envelope.Protocol {
	return d.envelope.Protocol()
}

// Handle parses raw, invokes the handler exactly once and formats its
// results. Parse errors are returned before the handler runs; a handler that
// returns the wrong number of results yields a contract violation and no
// response body.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte, ec ExecutionContext) ([]byte, error) {
	start := time.Now()
	canonical, err := d.envelope.Parse(raw)
	if err != nil {
		d.finish(0, start, err)
		return nil, err
	}

	results, err := d.handler.Handle(ctx, canonical, ec)
	if err != nil {
		if envelope.Kind(err) == "" {
			err = envelope.HandlerFailedError(err, map[string]any{
				"protocol":   string(d.Protocol()),
				"batch_size": canonical.Len(),
			})
		}
		d.finish(canonical.Len(), start, err)
		return nil, err
	}
	if len(results) != canonical.Len() {
		err = envelope.ContractViolationError(
			fmt.Sprintf("dispatch: handler returned %d results for %d items", len(results), canonical.Len()),
			map[string]any{
				"protocol": string(d.Protocol()),
				"items":    canonical.Len(),
				"results":  len(results),
			},
		)
		d.finish(canonical.Len(), start, err)
		return nil, err
	}

	out, err := d.envelope.Format(canonical, results)
	d.finish(canonical.Len(), start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) finish(batchSize int, start time.Time, err error) {
	elapsed := time.Since(start)
	d.observer.ObserveDispatch(d.Protocol(), batchSize, elapsed, err)
	fields := []zap.Field{
		zap.String("protocol", string(d.Protocol())),
		zap.Int("batch_size", batchSize),
		zap.Duration("duration", elapsed),
	}
	switch {
	case err == nil:
		d.logger.Debug("dispatch_done", fields...)
	case envelope.IsInputError(err):
		d.logger.Warn("dispatch_rejected", append(fields,
			zap.String("kind", envelope.Kind(err)),
			zap.Error(err),
		)...)
	default:
		d.logger.Error("dispatch_failed", append(fields,
			zap.String("kind", envelope.Kind(err)),
			zap.Error(err),
		)...)
	}
}
