// Package asynchook moves Hooks calls off the fetch and mutation paths.
// Events go through a bounded queue served by a few workers; when the queue
// is full, events are dropped and counted.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{RetryEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	eng, _ := querysync.New(querysync.Options{Hooks: hooks})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

type Hooks struct {
	inner   qs.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards sends against Close
	closed  bool
	dropped atomic.Uint64
}

var _ qs.Hooks = (*Hooks)(nil)

func New(inner qs.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) FetchStarted(k key.Key) { h.try(func() { h.inner.FetchStarted(k) }) }
func (h *Hooks) FetchSucceeded(k key.Key, attempts int, took time.Duration) {
	h.try(func() { h.inner.FetchSucceeded(k, attempts, took) })
}
func (h *Hooks) FetchRetried(k key.Key, attempt int, delay time.Duration, err error) {
	h.try(func() { h.inner.FetchRetried(k, attempt, delay, err) })
}
func (h *Hooks) FetchFailed(k key.Key, kind qs.ErrorKind, err error) {
	h.try(func() { h.inner.FetchFailed(k, kind, err) })
}
func (h *Hooks) Invalidated(k key.Key, n int) { h.try(func() { h.inner.Invalidated(k, n) }) }
func (h *Hooks) Evicted(k key.Key)            { h.try(func() { h.inner.Evicted(k) }) }
func (h *Hooks) MutationSettled(name string, ok bool, took time.Duration) {
	h.try(func() { h.inner.MutationSettled(name, ok, took) })
}
func (h *Hooks) RolledBack(name string, n int, err error) {
	h.try(func() { h.inner.RolledBack(name, n, err) })
}
func (h *Hooks) PersistRejected(k key.Key, err error) {
	h.try(func() { h.inner.PersistRejected(k, err) })
}
