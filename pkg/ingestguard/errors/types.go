package errors

import (
	"fmt"
	"net/http"
	"time"
)

// DownstreamError is a non-2xx answer from a remote service (the lead sink,
// the billing API). Body is truncated by the client that produced it.
type DownstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *DownstreamError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("downstream returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt: throttling,
// request timeout and any 5xx. Other 4xx mean the request itself is wrong.
func (e *DownstreamError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return e.StatusCode >= 500
}

// ValidationError names the inbound field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// TimeoutError is a remote call abandoned by the client's own timeout, as
// opposed to the caller's context expiring.
type TimeoutError struct {
	Endpoint string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response after %s", e.Endpoint, e.After)
}
