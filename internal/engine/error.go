package engine

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
	httpclient "github.com/Zakaria95Ahmed/idm-clone/pkg/protocol/http"
)

const (
	backoffBase = 5 * time.Second
	backoffCap  = 300 * time.Second
)

// failureKind classifies a worker failure for the retry policy.
type failureKind int

const (
	failureNone failureKind = iota
	// failureCancelled: pause or stop was requested; not an error.
	failureCancelled
	// failureTransient: retry with backoff.
	failureTransient
	// failurePermanent: give up on the whole download.
	failurePermanent
)

// errWriteFailed wraps filesystem errors from the chunk callback so they
// are not mistaken for transfer errors; they are permanent for this
// download.
type errWriteFailed struct{ err error }

func (e *errWriteFailed) Error() string { return fmt.Sprintf("write failed: %v", e.err) }
func (e *errWriteFailed) Unwrap() error { return e.err }

// classify maps an error onto the retry taxonomy.
func classify(err error) failureKind {
	if err == nil {
		return failureNone
	}

	if errors.Is(err, protocol.ErrAborted) || errors.Is(err, context.Canceled) {
		return failureCancelled
	}

	var writeErr *errWriteFailed
	if errors.As(err, &writeErr) {
		return failurePermanent
	}

	var httpErr *httpclient.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Permanent():
			return failurePermanent
		case httpErr.Transient():
			return failureTransient
		default:
			// Validation failures (ignored range, redirect storm) cannot
			// be fixed by retrying.
			return failurePermanent
		}
	}

	// FTP server replies: 4xx are transient by protocol definition, 5xx
	// permanent (550 file unavailable and friends).
	var ftpErr *textproto.Error
	if errors.As(err, &ftpErr) {
		if ftpErr.Code >= 400 && ftpErr.Code < 500 {
			return failureTransient
		}
		return failurePermanent
	}

	// Anything else is a transport-level failure: DNS, connect, reset,
	// timeout. Worth retrying.
	return failureTransient
}

// retryDelay computes the backoff before attempt n (1-based):
// base * 2^(n-1), capped. A server Retry-After hint overrides the
// computed delay when it is longer.
func retryDelay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	shift := uint(attempt - 1)
	if shift > 8 {
		shift = 8
	}

	delay := backoffBase << shift
	if delay > backoffCap {
		delay = backoffCap
	}

	var httpErr *httpclient.Error
	if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
		delay = httpErr.RetryAfter
		if delay > backoffCap {
			delay = backoffCap
		}
	}

	return delay
}
