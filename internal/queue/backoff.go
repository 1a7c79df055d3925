package queue

import "time"

// Backoff computes the delay before a retry attempt. Attempt 0 is the
// initial upload and is always immediate. Attempts 1 through QuickRetries
// double from Base; everything after that waits the full Cap.
type Backoff struct {
	Base         time.Duration
	Cap          time.Duration
	QuickRetries int
}

// DefaultBackoff yields 0s, 1s, 2s, 4s, 8s, then 300s per attempt.
var DefaultBackoff = Backoff{
	Base:         time.Second,
	Cap:          5 * time.Minute,
	QuickRetries: 4,
}

// Delay returns the wait before the given attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > b.QuickRetries {
		return b.Cap
	}
	d := b.Base << (attempt - 1)
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// DelayWithHint applies a server rate-limit hint: a positive hint
// overrides the computed delay but never exceeds the cap.
func (b Backoff) DelayWithHint(attempt int, hint time.Duration) time.Duration {
	if hint <= 0 {
		return b.Delay(attempt)
	}
	if hint > b.Cap {
		return b.Cap
	}
	return hint
}
