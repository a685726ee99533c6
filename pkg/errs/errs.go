// Package errs defines the error taxonomy shared by the pack store, the
// keyed caches and the network fetchers. Callers wrap these sentinels with
// fmt.Errorf("...: %w", ...) and classify with errors.Is.
package errs

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrNetwork indicates a fetch failed or returned a non-success status.
	ErrNetwork = errors.New("network error")
	// ErrNoResult indicates a fetch succeeded but returned an empty result set.
	ErrNoResult = errors.New("no result")
	// ErrStorage indicates a durable read or write failed, including quota exhaustion.
	ErrStorage = errors.New("storage error")
	// ErrDecode indicates a malformed payload (bad JSON, failed decompression).
	ErrDecode = errors.New("decode error")
	// ErrUnsupported indicates a required platform capability is absent.
	ErrUnsupported = errors.New("unsupported capability")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid indicates the caller supplied invalid input.
	ErrInvalid = errors.New("invalid request")
)

// Message returns a short human-readable message for err.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoResult):
		return "No results found"
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out"
	case errors.Is(err, context.Canceled):
		return "The request was cancelled"
	case errors.Is(err, ErrNetwork):
		return "Network unavailable, please try again later"
	case errors.Is(err, ErrStorage):
		return "Local storage is unavailable or full"
	case errors.Is(err, ErrDecode):
		return "Received malformed data"
	case errors.Is(err, ErrUnsupported):
		return "This feature is not supported on this device"
	case errors.Is(err, ErrNotFound):
		return "Not found"
	case errors.Is(err, ErrInvalid):
		return err.Error()
	default:
		return "Something went wrong"
	}
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoResult):
		return http.StatusNotFound
	case errors.Is(err, ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
