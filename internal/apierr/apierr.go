// Package apierr defines the typed, sentinel-checkable errors that flow
// from core components up to the HTTP layer, where they translate into
// model.ErrorDetail{Kind, Message} envelopes. Grounded on the teacher's
// internal/storage/errors.go (one sentinel per failure mode) and
// handlers.go's error-code-to-status mapping, generalized from the
// teacher's string ErrCode constants to the six model.ErrorKind values.
package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hantei-ai/hantei/internal/model"
)

// Error pairs a model.ErrorKind with a message and an optional wrapped
// cause. It implements error and supports errors.Is/As via Unwrap.
type Error struct {
	Kind    model.ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind model.ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error carrying cause, used when an underlying
// component (storage, chain) already returned a Go error that needs a
// kind attached for the HTTP layer.
func Wrap(kind model.ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// InvalidInput, NotFound, Storage, Chain, Cancelled, and Unavailable are
// convenience constructors for the six fixed kinds.
func InvalidInput(message string) *Error { return New(model.KindInvalidInput, message) }
func NotFound(message string) *Error     { return New(model.KindNotFound, message) }
func Storage(cause error) *Error         { return Wrap(model.KindStorageError, "storage operation failed", cause) }
func Chain(cause error) *Error           { return Wrap(model.KindChainError, "chain operation failed", cause) }
func Cancelled(cause error) *Error       { return Wrap(model.KindCancelled, "operation cancelled", cause) }
func Unavailable(message string) *Error  { return New(model.KindUnavailable, message) }

// As extracts an *Error from err via errors.As, reporting whether one was
// found.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Detail converts err into a model.ErrorDetail for the response envelope.
// Errors not already wrapped as *Error are reported as StorageError, since
// every unclassified failure reaching the HTTP layer originates from an
// I/O-bound dependency in this codebase.
func Detail(err error) model.ErrorDetail {
	if e, ok := As(err); ok {
		return model.ErrorDetail{Kind: e.Kind, Message: e.Message}
	}
	return model.ErrorDetail{Kind: model.KindStorageError, Message: err.Error()}
}

// HTTPStatus maps a model.ErrorKind to the HTTP status code the server
// responds with.
func HTTPStatus(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidInput:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindCancelled:
		return 499 // client closed request, matching nginx's convention
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	case model.KindChainError, model.KindStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
