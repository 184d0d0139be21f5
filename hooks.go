package querysync

import (
	"time"

	"github.com/unkn0wn-root/querysync/key"
)

// Hooks are lightweight callbacks for high-signal engine events.
// Implementations MUST be cheap and non-blocking: the engine calls them on
// fetch and mutation paths. Wrap slow sinks with hooks/async.
type Hooks interface {
	// A remote read started for k (one call per single-flight group).
	FetchStarted(k key.Key)
	// A remote read resolved and was applied. attempts >= 1.
	FetchSucceeded(k key.Key, attempts int, took time.Duration)
	// A transient failure will be retried after delay. attempt is 1-based.
	FetchRetried(k key.Key, attempt int, delay time.Duration, err error)
	// A remote read failed for good (client error or retries exhausted).
	FetchFailed(k key.Key, kind ErrorKind, err error)

	// An invalidation rooted at k marked n entries stale.
	Invalidated(k key.Key, n int)
	// An idle entry was evicted by the sweeper.
	Evicted(k key.Key)

	// A mutation settled; ok=false means it was rolled back.
	MutationSettled(name string, ok bool, took time.Duration)
	// A mutation's optimistic patches on n keys were reverted.
	RolledBack(name string, n int, err error)

	// A persister refused or failed to save/load k.
	PersistRejected(k key.Key, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) FetchStarted(key.Key)                            {}
func (NopHooks) FetchSucceeded(key.Key, int, time.Duration)      {}
func (NopHooks) FetchRetried(key.Key, int, time.Duration, error) {}
func (NopHooks) FetchFailed(key.Key, ErrorKind, error)           {}
func (NopHooks) Invalidated(key.Key, int)                        {}
func (NopHooks) Evicted(key.Key)                                 {}
func (NopHooks) MutationSettled(string, bool, time.Duration)     {}
func (NopHooks) RolledBack(string, int, error)                   {}
func (NopHooks) PersistRejected(key.Key, error)                  {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) FetchStarted(k key.Key) {
	for _, h := range m {
		h.FetchStarted(k)
	}
}

func (m MultiHooks) FetchSucceeded(k key.Key, attempts int, took time.Duration) {
	for _, h := range m {
		h.FetchSucceeded(k, attempts, took)
	}
}

func (m MultiHooks) FetchRetried(k key.Key, attempt int, delay time.Duration, err error) {
	for _, h := range m {
		h.FetchRetried(k, attempt, delay, err)
	}
}

func (m MultiHooks) FetchFailed(k key.Key, kind ErrorKind, err error) {
	for _, h := range m {
		h.FetchFailed(k, kind, err)
	}
}

func (m MultiHooks) Invalidated(k key.Key, n int) {
	for _, h := range m {
		h.Invalidated(k, n)
	}
}

func (m MultiHooks) Evicted(k key.Key) {
	for _, h := range m {
		h.Evicted(k)
	}
}

func (m MultiHooks) MutationSettled(name string, ok bool, took time.Duration) {
	for _, h := range m {
		h.MutationSettled(name, ok, took)
	}
}

func (m MultiHooks) RolledBack(name string, n int, err error) {
	for _, h := range m {
		h.RolledBack(name, n, err)
	}
}

func (m MultiHooks) PersistRejected(k key.Key, err error) {
	for _, h := range m {
		h.PersistRejected(k, err)
	}
}
