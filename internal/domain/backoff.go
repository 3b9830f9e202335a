package domain

import "time"

// Two backoff curves share the exponential shape but not the base: a failed
// attempt of real work is expensive to repeat, while an orphan reset only
// needs to outlive the next dispatch tick.

// RetryBackoff returns the delay before a failed job becomes claimable
// again, given the attempt number that just failed: 2m after the first
// attempt, then 4m, 8m, ...
func RetryBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return time.Duration(1<<uint(attempts)) * 60 * time.Second
}

// OrphanBackoff returns the delay applied when an orphaned processing job is
// reset to pending, given the attempt that was orphaned: 10s after the first
// attempt, then 20s, 40s, ...
func OrphanBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return time.Duration(1<<uint(attempts)) * 5 * time.Second
}

// DeriveBatchStatus computes the derived batch status from recounted child
// documents. The batch is terminal iff every child is terminal; it is failed
// only when every child failed.
func DeriveBatchStatus(total, completed, failed int) BatchStatus {
	switch {
	case total > 0 && completed+failed == total && failed == total:
		return BatchFailed
	case total > 0 && completed+failed == total:
		return BatchCompleted
	case completed+failed > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}
