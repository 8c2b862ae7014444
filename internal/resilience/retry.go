package resilience

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy configures one tool's retry behavior, matching the per-tool
// catalog fields: whether the tool is safe to retry at all, how many
// attempts, and the backoff shape.
type RetryPolicy struct {
	RetrySafe     bool
	MaxRetries    int
	BaseBackoff   time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

// RetryableStatus reports whether an HTTP status code is one the Tool
// Broker is allowed to retry: 408, 429, and any 5xx.
func RetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// RetryAfter parses the Retry-After header per RFC 7231: either a delay
// in seconds, or an HTTP-date. It returns ok=false if the header is
// absent or unparseable, in which case the caller falls back to backoff.
func RetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		d := when.Sub(now)
		if d < 0 {
			return 0, true
		}
		return d, true
	}
	return 0, false
}

// NextDelay computes the delay before retry attempt n (1-indexed) using
// exponential backoff with full jitter, capped at MaxBackoff. When the
// caller supplies a Retry-After duration (only meaningful on a 429), that
// value is used instead of the computed backoff, also capped at
// MaxBackoff.
func (p RetryPolicy) NextDelay(attempt int, retryAfter time.Duration, haveRetryAfter bool) time.Duration {
	if haveRetryAfter {
		if retryAfter > p.MaxBackoff {
			return p.MaxBackoff
		}
		return retryAfter
	}
	base := float64(p.BaseBackoff) * math.Pow(p.BackoffFactor, float64(attempt-1))
	capped := math.Min(base, float64(p.MaxBackoff))
	return time.Duration(rand.Float64() * capped)
}

// Attempt describes the outcome of one call so Do can decide whether to
// retry and how long to wait.
type Attempt struct {
	Err            error
	Retryable      bool
	RetryAfter     time.Duration
	HaveRetryAfter bool
}

// Do runs fn up to policy.MaxRetries+1 times, honoring retry_safe,
// Retry-After, and exponential backoff with full jitter. fn reports its
// own retryability via the returned Attempt so Do never has to guess at
// error classification.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attemptNum int) (Attempt, error)) error {
	if !policy.RetrySafe {
		_, err := fn(ctx, 1)
		return err
	}

	var lastErr error

	for n := 1; n <= policy.MaxRetries+1; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		attempt, err := fn(ctx, n)
		if err == nil {
			return nil
		}
		lastErr = err

		if !attempt.Retryable || n == policy.MaxRetries+1 {
			return lastErr
		}

		delay := policy.NextDelay(n, attempt.RetryAfter, attempt.HaveRetryAfter)
		if delay <= 0 {
			delay = policy.BaseBackoff
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
