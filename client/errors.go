package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrKind classifies a failed platform API call.
type ErrKind string

const (
	// ErrAuth means the token was rejected (expired or revoked).
	ErrAuth ErrKind = "auth"
	// ErrQuota means the hourly call budget is exhausted.
	ErrQuota ErrKind = "quota"
	// ErrPermission means the token lacks a scope or the edge refused
	// the connection.
	ErrPermission ErrKind = "permission"
	// ErrNotFound means a resource addressed by id does not exist.
	ErrNotFound ErrKind = "not_found"
	// ErrServer means an unexpected failure on the remote side.
	ErrServer ErrKind = "server"
	// ErrMalformed means the response body could not be decoded.
	ErrMalformed ErrKind = "malformed"
	// ErrTimeout means the call exceeded its time budget.
	ErrTimeout ErrKind = "timeout"
	// ErrProxy means the configured proxy could not relay the call.
	ErrProxy ErrKind = "proxy"
)

// APIError is a classified failure from the platform API.
type APIError struct {
	Kind       ErrKind
	Status     int           // HTTP status, 0 for failures before a response
	Msg        string
	RetryAfter time.Duration // quota errors: time until the window boundary
	Body       string        // short body prefix, malformed responses only
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api %s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("api %s: %s", e.Kind, e.Msg)
}

// KindOf returns the classification of err, or "" when err is not an
// APIError.
func KindOf(err error) ErrKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsQuota reports whether err is a quota-exhaustion error.
func IsQuota(err error) bool { return KindOf(err) == ErrQuota }

// IsAuth reports whether err is a token rejection.
func IsAuth(err error) bool { return KindOf(err) == ErrAuth }

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool { return KindOf(err) == ErrNotFound }

// Transient reports whether err is expected to clear on its own, so a
// caller on a polling cadence should simply try again next tick.
// Quota exhaustion is not transient in this sense; it has its own
// backoff channel.
func Transient(err error) bool {
	switch KindOf(err) {
	case ErrServer, ErrMalformed, ErrTimeout, ErrProxy:
		return true
	}
	return false
}
