package webhook

import "time"

// RetryPolicy bounds transient-failure retries with a fixed delay ladder.
// The delay after attempt n is Delays[n-1]; attempts past the end of the
// ladder reuse its last entry.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// Next returns the delay to wait after the given completed attempt number.
// The second return is false when the attempt budget is exhausted.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts || len(p.Delays) == 0 {
		return 0, false
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return p.Delays[idx], true
}
