// Package retry is the shared backoff/retry helper used by the Worker
// Client, and through the Worker Client's create/delete RPCs by the Driver
// scheduler loop, replacing the ad hoc per-caller sleep logic the source used
// (e.g. jobmanager.go's getRandomSleepDuration). Persistent-Store deadlock
// recovery does not use it: batchcore replays a deadlocked transaction
// immediately in its own bounded loop.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/remiges-tech/batchcore/internal/batcherr"
)

// Policy bounds a retry sequence: start delay 0.1s, exponential growth
// capped at MaxInterval, abandoned after MaxTries retries (MaxTries+1
// attempts in all) — per the
// Worker Client's "~10 tries" retry budget.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint64
}

// DefaultPolicy is the worker-client / scheduler-loop default: start at
// 100ms, cap at 10s, give up after 10 retries (11 attempts).
var DefaultPolicy = Policy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxTries:        10,
}

func (p Policy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0 // bounded by MaxTries, not wall-clock
	return backoff.WithMaxRetries(b, p.MaxTries)
}

// Do runs fn, retrying while IsTransient(err) is true, per Policy, until it
// succeeds, the retry budget is exhausted, or ctx is cancelled. The last
// error is returned unwrapped so the caller can classify it again if needed.
func Do(ctx context.Context, p Policy, fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(p.backoff(), ctx))
}

// IsTransient classifies an error per the error-handling design's Transient
// kind: network transport failures, 5xx responses, and PS deadlocks are all
// auto-retried; everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if batcherr.Is(err, batcherr.KindTransient) {
		return true
	}
	if batcherr.IsDeadlock(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// HTTPStatusError wraps a non-2xx worker-client response so IsTransient can
// classify it without the caller threading status codes through manually.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.StatusCode) + ": " + e.Body
}
