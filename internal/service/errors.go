package service

import (
	"context"
	"errors"
	"net/http"

	"github.com/apex-x/inference-envelope/internal/envelope"
)

var (
	ErrBackendUnavailable = errors.New("inference backend unavailable")
	ErrBackendInference   = errors.New("inference backend inference failed")
	ErrBackendProtocol    = errors.New("inference backend protocol failed")
)

const (
	codeQueueFull   = "RUNTIME_QUEUE_FULL"
	codeUnavailable = "RUNTIME_UNAVAILABLE"
	codeTimeout     = "RUNTIME_TIMEOUT"
	codeNotFound    = "RUNTIME_MODEL_NOT_FOUND"
	codeTooLarge    = "RUNTIME_REQUEST_TOO_LARGE"

	codeBackendUnavailable = "RUNTIME_BACKEND_UNAVAILABLE"
)

// classifyError maps a predict failure to an HTTP status and a stable code.
// A handler that cannot reach its backend is reported as unavailable rather
// than as a failed inference.
func classifyError(err error) (int, string) {
	if errors.Is(err, ErrBackendUnavailable) {
		return http.StatusServiceUnavailable, codeBackendUnavailable
	}
	if kind := envelope.Kind(err); kind != "" {
		return envelope.StatusCode(err), kind
	}
	switch {
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests, codeQueueFull
	case errors.Is(err, ErrPoolStopped):
		return http.StatusServiceUnavailable, codeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	case errors.Is(err, context.Canceled):
		// nginx convention for a client that went away
		return 499, codeTimeout
	default:
		return http.StatusInternalServerError, ""
	}
}
