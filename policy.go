package querysync

import "time"

// Policy controls freshness, retries, timeouts and background revalidation
// for one query. Start from Engine.DefaultPolicy() and override fields; a zero
// Policy is valid and means "always stale, default retries, no polling".
type Policy struct {
	// StaleTime is how long a fetched value stays fresh.
	// 0 => stale immediately (every read revalidates); negative => never stale.
	StaleTime time.Duration
	// GCTime is how long an entry with no subscribers survives.
	// 0 => DefaultGCTime; negative => never evicted.
	GCTime time.Duration

	// RetryLimit caps retries of transient failures (attempts = RetryLimit+1).
	// 0 => DefaultRetryLimit; negative => no retries.
	RetryLimit int
	// RetryPredicate, when set, replaces the RetryLimit check. attempt is
	// 0-based. Client errors are never retried regardless of the predicate.
	RetryPredicate func(attempt int, err error) bool
	// RetryDelay maps a 0-based attempt to a wait. nil => DefaultRetryDelay.
	RetryDelay func(attempt int) time.Duration

	// Timeout bounds each remote call. 0 => DefaultTimeout; negative => none.
	Timeout time.Duration

	// RefetchInterval polls while the key has subscribers, even when fresh.
	RefetchInterval time.Duration
	// RefetchOnFocus revalidates stale subscribed entries when focus returns.
	RefetchOnFocus bool
	// RefetchOnReconnect revalidates stale subscribed entries when connectivity returns.
	RefetchOnReconnect bool
}

// DefaultRetryDelay is exponential backoff starting at 1s, capped at 30s.
func DefaultRetryDelay(attempt int) time.Duration {
	return ExponentialBackoff(defaultRetryBase, defaultRetryMax)(attempt)
}

// ExponentialBackoff returns base*2^attempt capped at ceil.
func ExponentialBackoff(base, ceil time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= ceil || d <= 0 {
				return ceil
			}
		}
		return min(d, ceil)
	}
}

func (p Policy) gcTime() time.Duration { return coalesce(p.GCTime, DefaultGCTime) }

func (p Policy) timeout() time.Duration { return coalesce(p.Timeout, DefaultTimeout) }

func (p Policy) retryLimit() int {
	if p.RetryLimit < 0 {
		return 0
	}
	return coalesce(p.RetryLimit, DefaultRetryLimit)
}

func (p Policy) shouldRetry(attempt int, err error) bool {
	if Classify(err) == KindClient {
		return false
	}
	if p.RetryPredicate != nil {
		return p.RetryPredicate(attempt, err)
	}
	return attempt < p.retryLimit()
}

func (p Policy) retryDelay(attempt int) time.Duration {
	if p.RetryDelay != nil {
		return p.RetryDelay(attempt)
	}
	return DefaultRetryDelay(attempt)
}
