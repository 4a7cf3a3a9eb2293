package envelope

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorMalformedRequest    = "ENVELOPE_MALFORMED_REQUEST"
	ErrorShapeMismatch       = "ENVELOPE_SHAPE_MISMATCH"
	ErrorUnsupportedDatatype = "ENVELOPE_UNSUPPORTED_DATATYPE"
	ErrorContractViolation   = "ENVELOPE_CONTRACT_VIOLATION"
	ErrorHandlerFailed       = "ENVELOPE_HANDLER_FAILED"
)

func envelopeError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// MalformedRequestError reports a missing or wrongly typed field in the
// caller's payload. The batch is rejected before the handler runs.
func MalformedRequestError(message string, metadata map[string]any) error {
	return envelopeError(
		message,
		goerrors.CategoryBadInput,
		http.StatusBadRequest,
		ErrorMalformedRequest,
		metadata,
	)
}

// ShapeMismatchError reports a tensor whose data length disagrees with its
// declared shape.
func ShapeMismatchError(message string, metadata map[string]any) error {
	return envelopeError(
		message,
		goerrors.CategoryValidation,
		http.StatusBadRequest,
		ErrorShapeMismatch,
		metadata,
	)
}

func UnsupportedDatatypeError(message string, metadata map[string]any) error {
	return envelopeError(
		message,
		goerrors.CategoryValidation,
		http.StatusBadRequest,
		ErrorUnsupportedDatatype,
		metadata,
	)
}

// ContractViolationError reports a handler that broke the batch contract,
// for example by returning the wrong number of results. It is a server
// error, never a caller error.
func ContractViolationError(message string, metadata map[string]any) error {
	return envelopeError(
		message,
		goerrors.CategoryInternal,
		http.StatusInternalServerError,
		ErrorContractViolation,
		metadata,
	)
}

// HandlerFailedError wraps an error returned by the handler itself.
func HandlerFailedError(source error, metadata map[string]any) error {
	if source == nil {
		return envelopeError(
			"envelope: handler failed",
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			ErrorHandlerFailed,
			metadata,
		)
	}
	err := goerrors.Wrap(source, goerrors.CategoryExternal, "envelope: handler failed: "+source.Error()).
		WithCode(http.StatusBadGateway).
		WithTextCode(ErrorHandlerFailed)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// Kind returns the envelope text code carried by err, or "" when err is not
// an envelope error.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return ""
	}
	code := strings.TrimSpace(rich.TextCode)
	if !strings.HasPrefix(code, "ENVELOPE_") {
		return ""
	}
	return code
}

func IsMalformedRequest(err error) bool {
	return Kind(err) == ErrorMalformedRequest
}

func IsShapeMismatch(err error) bool {
	return Kind(err) == ErrorShapeMismatch
}

func IsUnsupportedDatatype(err error) bool {
	return Kind(err) == ErrorUnsupportedDatatype
}

func IsContractViolation(err error) bool {
	return Kind(err) == ErrorContractViolation
}

func IsHandlerFailed(err error) bool {
	return Kind(err) == ErrorHandlerFailed
}

// IsInputError reports whether err was caused by the caller's payload.
func IsInputError(err error) bool {
	switch Kind(err) {
	case ErrorMalformedRequest, ErrorShapeMismatch, ErrorUnsupportedDatatype:
		return true
	}
	return false
}

// StatusCode maps an envelope error to its HTTP status; anything else is 500.
func StatusCode(err error) int {
	var rich *goerrors.Error
	if Kind(err) != "" && goerrors.As(err, &rich) && rich.Code > 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}
