// Package ratelimit provides fixed-window event counting keyed by a
// namespaced identity ("login:<email>", "otp:<email>", "loc:<userId>").
// Namespacing is the caller's job; the limiter only counts.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Result reports the outcome of a single counted attempt.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the seconds a rejected caller should wait, rounded
// up and never below one.
func (r Result) RetryAfter(now time.Time) int {
	seconds := int(r.ResetAt.Sub(now).Seconds())
	if seconds < 1 {
		return 1
	}
	return seconds + 1
}

// Limiter is the single rate-limit contract shared by the strict login
// policy and the lenient location policy; only window and limit differ per
// call site. Check counts the attempt it is asked about: the call that
// pushes the count past the limit is itself rejected.
type Limiter interface {
	Check(ctx context.Context, key string, window time.Duration, limit int) (Result, error)
	Reset(ctx context.Context, key string) error
}

// ErrUnavailable wraps backend failures so callers can decide whether to
// fail open or closed.
var ErrUnavailable = errors.New("rate limit backend unavailable")
