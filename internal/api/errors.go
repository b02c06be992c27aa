package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Class is the engine-level category of an error.
type Class int

const (
	ClassNone        Class = iota // no error
	ClassTransient                // network, timeout, 5xx: retry with bounded backoff
	ClassAuth                     // invalid or expired credential: surface, pause
	ClassRateLimited              // provider throttling: governed by backoff
	ClassDenied                   // local gate refused the call: retry after RetryAfter
	ClassRejected                 // validation, stock gone: record, no retry storm
	ClassCanceled                 // caller canceled (shutdown)
	ClassFatal                    // configuration problems: operator intervention
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassDenied:
		return "denied"
	case ClassRejected:
		return "rejected"
	case ClassCanceled:
		return "canceled"
	case ClassFatal:
		return "fatal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ErrNotConfigured is returned when the client lacks something required for a call.
var ErrNotConfigured = errors.New("api client not configured")

// APIError represents an error response from the OVH API.
type APIError struct {
	StatusCode int
	Message    string
	ErrorClass string        // OVH "class" field, e.g. "Client::Forbidden"
	QueryID    string        // X-Ovh-Queryid, for support requests
	RetryAfter time.Duration // parsed Retry-After, 0 if absent
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ovh api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry of an idempotent read.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// DeniedError is returned when the gate refused an outbound call.
type DeniedError struct {
	EndpointClass string
	RetryAfter    time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate gate denied %s call, retry after %s", e.EndpointClass, e.RetryAfter)
}

// Classify maps err onto the engine's error taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrNotConfigured) {
		return ClassFatal
	}

	var denied *DeniedError
	if errors.As(err, &denied) {
		return ClassDenied
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimited
		case apiErr.IsRetryable():
			return ClassTransient
		default:
			return ClassRejected
		}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	// Unknown failures (decode errors, resets) keep the target alive.
	return ClassTransient
}

// RetryAfter extracts the provider or gate retry hint from err.
func RetryAfter(err error) time.Duration {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.RetryAfter
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
