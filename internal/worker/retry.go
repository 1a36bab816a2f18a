package worker

import "time"

// maxBackoff caps growth when a policy sets no MaxDelay.
const maxBackoff = time.Hour

// RetryPolicy spaces out repeated attempts of a pending write or a dropped
// subscription.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor < 1 {
		r.BackoffFactor = 2
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = maxBackoff
	}
	return r
}

// NextDelay returns the wait before the given attempt (1-based). The delay
// grows by BackoffFactor per attempt and stops at MaxDelay.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	r = r.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(r.InitialDelay)
	ceiling := float64(r.MaxDelay)
	for i := 1; i < attempt && delay < ceiling; i++ {
		delay *= r.BackoffFactor
	}
	if delay >= ceiling {
		return r.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt used up the retry budget. A zero
// budget never runs out.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return r.MaxRetries > 0 && attempt >= r.MaxRetries
}

// RetryAt is when the given attempt may run, counted from now.
func (r RetryPolicy) RetryAt(now time.Time, attempt int) time.Time {
	return now.Add(r.NextDelay(attempt))
}
