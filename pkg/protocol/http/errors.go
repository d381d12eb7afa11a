package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type ErrorType int

const (
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeHTTP
	ErrorTypeValidation
	ErrorTypeTimeout
)

// ErrRangeIgnored is returned when a ranged GET with a non-zero start gets a
// plain 200 back. Writing that body would corrupt the partial file.
var ErrRangeIgnored = errors.New("server ignored range request")

type Error struct {
	Type      ErrorType
	Operation string
	URL       string
	Status    int
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeHTTP:
		return fmt.Sprintf("HTTP error during %s for %s: status %d: %v",
			e.Operation, e.URL, e.Status, e.Err)
	case ErrorTypeNetwork:
		return fmt.Sprintf("network error during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	case ErrorTypeTimeout:
		return fmt.Sprintf("timeout during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	default:
		return fmt.Sprintf("error during %s for %s: %v",
			e.Operation, e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether the status rules out a retry.
func (e *Error) Permanent() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Transient reports whether a retry with backoff is worthwhile.
func (e *Error) Transient() bool {
	if e.Type == ErrorTypeNetwork || e.Type == ErrorTypeTimeout {
		return true
	}
	switch e.Status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout, 509:
		return true
	}
	return false
}

func newNetworkError(op, url string, err error) *Error {
	return &Error{Type: ErrorTypeNetwork, Operation: op, URL: url, Err: err}
}

func newStatusError(op, url string, resp *http.Response, err error) *Error {
	e := &Error{Type: ErrorTypeHTTP, Operation: op, URL: url, Status: resp.StatusCode, Err: err}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, perr := strconv.Atoi(v); perr == nil && secs >= 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		} else if when, perr := http.ParseTime(v); perr == nil {
			if d := time.Until(when); d > 0 {
				e.RetryAfter = d
			}
		}
	}
	return e
}
