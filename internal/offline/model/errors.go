package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Errors surfaced by the offline subsystem.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, model.ErrRemoteConflict) {
//	    // hand the server body to the resolver
//	}
var (
	// ErrNetworkUnavailable is returned when the remote could not be reached:
	// no connectivity, DNS failure, refused connection or a timed out call.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRemoteRejected is returned for non-conflict 4xx responses.
	ErrRemoteRejected = errors.New("remote rejected request")

	// ErrRemoteConflict is returned for 409 responses.
	ErrRemoteConflict = errors.New("remote reported conflict")

	// ErrRemoteServerError is returned for 5xx responses.
	ErrRemoteServerError = errors.New("remote server error")

	// ErrSerialization is returned when a response body is not valid JSON.
	ErrSerialization = errors.New("malformed response body")

	// ErrStorageQuotaExceeded is returned when the durable store is full.
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

	// ErrRetryExhausted marks an operation removed after reaching the retry ceiling.
	ErrRetryExhausted = errors.New("retry ceiling reached")

	// ErrNoCachedData is returned by an offline read with nothing cached.
	ErrNoCachedData = errors.New("no cached data available offline")

	// ErrNotFound is returned when a stored record does not exist.
	ErrNotFound = errors.New("not found")
)

// StatusError is a non-2xx response from the remote service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   json.RawMessage
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
}

// Is maps the status code onto the error taxonomy.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRemoteConflict:
		return e.Code == http.StatusConflict
	case ErrRemoteServerError:
		return e.Code >= 500
	case ErrRemoteRejected:
		return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusConflict
	}
	return false
}

// ConflictBody extracts the server representation carried by a conflict error.
// It reports false for a 409 whose body is missing or not valid JSON: such a
// response gives the resolver nothing to work with.
func ConflictBody(err error) (json.RawMessage, bool) {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusConflict {
		return nil, false
	}
	if len(se.Body) == 0 || !json.Valid(se.Body) {
		return nil, false
	}
	return se.Body, true
}

// IsRetryable returns true if the error may succeed on a later pass.
// Conflicts are not retryable: they are diverted to the resolver.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRemoteConflict) {
		return false
	}
	if errors.Is(err, ErrRetryExhausted) {
		return false
	}
	return errors.Is(err, ErrNetworkUnavailable) ||
		errors.Is(err, ErrRemoteServerError) ||
		errors.Is(err, ErrRemoteRejected) ||
		errors.Is(err, ErrSerialization)
}

// IsConflict returns true for 409-equivalent errors.
func IsConflict(err error) bool {
	return err != nil && errors.Is(err, ErrRemoteConflict)
}
