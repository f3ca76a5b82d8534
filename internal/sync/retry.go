package sync

import (
	"math/rand"
	"time"
)

// RetryPolicy decides whether a provider error is worth retrying and
// how long to wait before the next attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retryable reports whether the error is transient. Authentication
// failures are terminal: the user has to re-authorize, no amount of
// retrying helps. Unknown errors are treated as transient until the
// attempt cap escalates them.
func (p RetryPolicy) Retryable(err error, attempt int) bool {
	switch KindOf(err) {
	case ErrorUnauthorized:
		return false
	case ErrorRateLimited, ErrorServiceUnavailable, ErrorNetwork, ErrorUnknown:
		return attempt < p.MaxAttempts
	default:
		return false
	}
}

// Delay computes exponential backoff with jitter, seeded from the
// attempt number. A provider retry-after hint sets the floor. The
// jitter spreads retries across half to full of the computed delay so
// simultaneous failures do not retry in lockstep.
func (p RetryPolicy) Delay(err error, attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}

	half := d / 2
	d = half + time.Duration(rand.Int63n(int64(half)+1))

	if hint := RetryAfterOf(err); hint > d {
		d = hint
	}
	return d
}
