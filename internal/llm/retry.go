// ABOUTME: Retryable-error classification and the bounded backoff wrapper around Client.Complete.
// ABOUTME: Transient API failures retry with jittered exponential backoff; everything else short-circuits.
package llm

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// retryableFragments is the fixed set of substrings that mark a completion
// error as transient. Matching on error text is deliberate: the upstream SDK
// surfaces rate limits, gateway errors, and connection drops with differing
// concrete types but stable wording.
var retryableFragments = []string{
	"timeout",
	"deadline exceeded",
	"rate limit",
	"resource_exhausted",
	"resource exhausted",
	"quota",
	"429",
	"500",
	"502",
	"503",
	"unavailable",
	"overloaded",
	"internal error",
	"connection reset",
	"broken pipe",
	"eof",
}

// IsRetryable reports whether err looks like a transient API failure worth
// retrying in-process.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// CompleteWithRetry calls c.Complete up to attempts times, sleeping an
// exponentially growing, jittered backoff between retryable failures.
// Non-retryable errors and context cancellation return immediately.
func CompleteWithRetry(ctx context.Context, c Client, req Request, attempts int, base time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := c.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == attempts {
			break
		}

		delay := backoff(base, attempt)
		slog.Warn("completion failed, retrying",
			"model", req.Model, "attempt", attempt, "backoff", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := 0.5 + rand.Float64() //nolint:gosec // jitter is not security-sensitive
	return time.Duration(delay * jitter)
}
