package querysync

import "time"

const (
	DefaultGCTime        = 5 * time.Minute
	DefaultRetryLimit    = 3
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second

	defaultRetryBase = time.Second
	defaultRetryMax  = 30 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Clock abstracts time for staleness and eviction. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
