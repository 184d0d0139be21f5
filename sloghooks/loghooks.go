// Package sloghooks logs engine events with log/slog. Keys are redacted to a
// short digest by default since they can carry wallet addresses.
package sloghooks

import (
	"log/slog"
	"sync/atomic"
	"time"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RetryEvery uint64
	EvictEvery uint64
	// Optional key redactor. Defaults to key.Digest.
	Redact func(key.Key) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	retryCtr atomic.Uint64
	evictCtr atomic.Uint64
}

var _ qs.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k key.Key) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return k.Digest()
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

// FetchStarted and FetchSucceeded are too frequent to log.
func (h *Hooks) FetchStarted(key.Key)                       {}
func (h *Hooks) FetchSucceeded(key.Key, int, time.Duration) {}

func (h *Hooks) FetchRetried(k key.Key, attempt int, delay time.Duration, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Debug("querysync.fetch_retried",
		"key", h.redact(k),
		"attempt", attempt,
		"delay", delay,
		"err", err)
}

func (h *Hooks) FetchFailed(k key.Key, kind qs.ErrorKind, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querysync.fetch_failed",
		"key", h.redact(k),
		"kind", kind.String(),
		"err", err)
}

func (h *Hooks) Invalidated(k key.Key, n int) {
	if h.l == nil {
		return
	}
	h.l.Debug("querysync.invalidated",
		"key", h.redact(k),
		"marked", n)
}

func (h *Hooks) Evicted(k key.Key) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("querysync.evicted", "key", h.redact(k))
}

func (h *Hooks) MutationSettled(name string, ok bool, took time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("querysync.mutation_settled",
		"mutation", name,
		"ok", ok,
		"took", took)
}

func (h *Hooks) RolledBack(name string, n int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querysync.rolled_back",
		"mutation", name,
		"keys", n,
		"err", err)
}

func (h *Hooks) PersistRejected(k key.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querysync.persist_rejected",
		"key", h.redact(k),
		"err", err)
}
