package querysync

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/querysync/key"
)

// InvalidateOptions tune Invalidate.
type InvalidateOptions struct {
	// Exact limits the invalidation to the key itself; otherwise every key it
	// is a prefix of is invalidated too.
	Exact bool
}

// StoreOptions configure a standalone Store. Engines build their own.
type StoreOptions struct {
	Clock  Clock  // nil => wall clock
	Hooks  Hooks  // nil => NopHooks
	Logger Logger // nil => NopLogger
	// Defaults supplies StaleTime/GCTime for entries created by Set or Subscribe.
	Defaults Policy
}

// Store is the in-memory table of entries. It is the only writer of entry
// state and performs no I/O: side effects are limited to notifying listeners
// and handing stale subscribed keys to the revalidation scheduler.
//
// All transitions happen under one mutex; listeners run after it is released
// and receive a snapshot taken inside the critical section.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	nextSub  uint64
	clock    Clock
	hooks    Hooks
	log      Logger
	defaults Policy

	// set by the engine before use; called outside the lock
	revalidate func(k key.Key)
}

type notification struct {
	ls   []Listener
	snap Entry
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	return &Store{
		entries:  make(map[string]*entry),
		clock:    coalesce[Clock](opts.Clock, systemClock{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		defaults: opts.Defaults,
	}
}

func emit(ns []notification) {
	for _, n := range ns {
		for _, l := range n.ls {
			l(n.snap)
		}
	}
}

func (s *Store) notifyLocked(ns []notification, e *entry) []notification {
	ls := e.listeners()
	if len(ls) == 0 {
		return ns
	}
	return append(ns, notification{ls: ls, snap: e.snapshot()})
}

// ensureLocked returns the entry for k, creating an absent one.
func (s *Store) ensureLocked(k key.Key, now time.Time) *entry {
	if e, ok := s.entries[k.ID()]; ok {
		return e
	}
	e := &entry{
		key:       k,
		state:     StateAbsent,
		staleTime: s.defaults.StaleTime,
		gcTime:    s.defaults.gcTime(),
		idleSince: now,
	}
	s.entries[k.ID()] = e
	return e
}

// Get returns a snapshot of the entry for k. It has no side effects.
func (s *Store) Get(k key.Key) (Entry, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.ID()]
	if !ok {
		return Entry{}, false
	}
	e.ageOut(now)
	return e.snapshot(), true
}

// Set replaces the committed value of k, bumps its version, marks it fresh and
// clears any error. Pending optimistic layers are re-applied on top.
func (s *Store) Set(k key.Key, value any) {
	if k.IsZero() {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	e := s.ensureLocked(k, now)
	s.setLocked(e, value, now)
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
}

func (s *Store) setLocked(e *entry, value any, now time.Time) {
	e.base, e.hasBase = value, true
	// the authoritative value already reflects settled writes
	kept := e.layers[:0]
	for _, l := range e.layers {
		if !l.committed {
			kept = append(kept, l)
		}
	}
	e.layers = kept
	if len(e.layers) == 0 {
		e.layers = nil
	}
	e.state = StateFresh
	e.recompute()
	e.updatedAt = now
	e.err, e.errAt, e.failures = nil, time.Time{}, 0
	if len(e.subs) == 0 {
		e.idleSince = now
	}
	e.ageOut(now)
}

// Subscribe registers l for changes to k and blocks eviction of k until the
// returned function is called. The unsubscribe function is idempotent.
func (s *Store) Subscribe(k key.Key, l Listener) (unsubscribe func()) {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.ensureLocked(k, now)
	s.nextSub++
	id := s.nextSub
	if e.subs == nil {
		e.subs = make(map[uint64]Listener)
	}
	e.subs[id] = l
	e.idleSince = time.Time{}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(k, id) })
	}
}

func (s *Store) unsubscribe(k key.Key, id uint64) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k.ID()]
	if !ok {
		return
	}
	if _, ok := e.subs[id]; !ok {
		return
	}
	delete(e.subs, id)
	if len(e.subs) == 0 {
		e.idleSince = now
	}
}

// Subscribers returns the number of active subscribers of k.
func (s *Store) Subscribers(k key.Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[k.ID()]; ok {
		return len(e.subs)
	}
	return 0
}

// Invalidate marks k (and, unless opts.Exact, every descendant of k) stale and
// returns how many entries it touched. Subscribed entries are scheduled for a
// background revalidation; unsubscribed ones refetch on next access.
func (s *Store) Invalidate(k key.Key, opts InvalidateOptions) int {
	return len(s.invalidate(k, opts))
}

func (s *Store) invalidate(k key.Key, opts InvalidateOptions) []key.Key {
	if k.IsZero() {
		return nil
	}
	s.mu.Lock()
	var (
		marked []key.Key
		sched  []key.Key
		ns     []notification
	)
	visit := func(e *entry) {
		if e.fetching {
			// the in-flight response predates the invalidation
			e.fetchSeq++
		}
		e.markStale()
		marked = append(marked, e.key)
		if len(e.subs) > 0 {
			sched = append(sched, e.key)
		}
		ns = s.notifyLocked(ns, e)
	}
	if opts.Exact {
		if e, ok := s.entries[k.ID()]; ok {
			visit(e)
		}
	} else {
		for _, e := range s.entries {
			if k.IsPrefixOf(e.key) {
				visit(e)
			}
		}
	}
	revalidate := s.revalidate
	s.mu.Unlock()

	emit(ns)
	s.hooks.Invalidated(k, len(marked))
	s.log.Debug("invalidated", Fields{"key": k.String(), "marked": len(marked), "scheduled": len(sched), "exact": opts.Exact})
	if revalidate != nil {
		for _, sk := range sched {
			revalidate(sk)
		}
	}
	return marked
}

// EvictIdle removes entries that have had no subscriber for longer than their
// GC time. Entries that are fetching or carry pending optimistic layers are
// kept. It returns the number of evicted entries.
func (s *Store) EvictIdle() int {
	now := s.clock.Now()
	s.mu.Lock()
	var evicted []key.Key
	for id, e := range s.entries {
		e.ageOut(now)
		if len(e.subs) > 0 || e.fetching || len(e.layers) > 0 || e.gcTime < 0 {
			continue
		}
		if now.Sub(e.idleSince) >= e.gcTime {
			delete(s.entries, id)
			evicted = append(evicted, e.key)
		}
	}
	s.mu.Unlock()

	for _, k := range evicted {
		s.hooks.Evicted(k)
	}
	if len(evicted) > 0 {
		s.log.Debug("evicted idle entries", Fields{"evicted": len(evicted)})
	}
	return len(evicted)
}

// Clear drops every unsubscribed entry and resets subscribed ones to absent.
// Pending optimistic layers are discarded with their entries.
func (s *Store) Clear() {
	now := s.clock.Now()
	s.mu.Lock()
	var ns []notification
	for id, e := range s.entries {
		if len(e.subs) == 0 {
			delete(s.entries, id)
			continue
		}
		e.base, e.hasBase, e.layers = nil, false, nil
		e.value, e.hasValue = nil, false
		e.state = StateAbsent
		e.fetchSeq++
		e.version++
		e.updatedAt = now
		e.err, e.errAt, e.failures = nil, time.Time{}, 0
		ns = s.notifyLocked(ns, e)
	}
	s.mu.Unlock()
	emit(ns)
}

// Keys returns the keys currently held, in no particular order.
func (s *Store) Keys() []key.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]key.Key, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.key)
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// touch creates k if needed, applies the caller's policy windows and returns
// the current snapshot.
func (s *Store) touch(k key.Key, p Policy) Entry {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensureLocked(k, now)
	e.staleTime = p.StaleTime
	e.gcTime = p.gcTime()
	if len(e.subs) == 0 {
		e.idleSince = now
	}
	e.ageOut(now)
	return e.snapshot()
}

// beginFetch flags k as fetching and returns the sequence number the result
// must match to be applied.
func (s *Store) beginFetch(k key.Key, p Policy) uint64 {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.ensureLocked(k, now)
	e.staleTime = p.StaleTime
	e.gcTime = p.gcTime()
	e.ageOut(now)
	e.fetching = true
	e.fetchSeq++
	seq := e.fetchSeq
	if e.state == StateStaleIdle {
		e.state = StateStaleRevalidating
	}
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
	return seq
}

type fetchOutcome uint8

const (
	outcomeApplied fetchOutcome = iota
	outcomeForced // applied over a newer invalidation, left stale
	outcomeSuperseded
	outcomeGone
)

// finishFetch applies a successful fetch unless an invalidation or clear
// superseded it while it was in flight. With force set, a superseded result is
// applied anyway but left stale, since it may predate the invalidation.
func (s *Store) finishFetch(k key.Key, seq uint64, value any, force bool) (Entry, fetchOutcome) {
	now := s.clock.Now()
	s.mu.Lock()
	e, ok := s.entries[k.ID()]
	if !ok {
		s.mu.Unlock()
		return Entry{}, outcomeGone
	}
	superseded := e.fetchSeq != seq
	if superseded && !force {
		s.mu.Unlock()
		return e.snapshot(), outcomeSuperseded
	}
	e.fetching = false
	s.setLocked(e, value, now)
	out := outcomeApplied
	if superseded {
		e.markStale()
		out = outcomeForced
	}
	snap := e.snapshot()
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
	return snap, out
}

// noteRetry records a failed attempt that will be retried.
func (s *Store) noteRetry(k key.Key, failures int) {
	s.mu.Lock()
	e, ok := s.entries[k.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.failures = failures
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
}

// failFetch attaches err to k. A previous value stays visible, labeled stale.
// An error from a fetch that a clear or invalidation superseded is dropped.
func (s *Store) failFetch(k key.Key, seq uint64, err error, failures int) {
	now := s.clock.Now()
	s.mu.Lock()
	e, ok := s.entries[k.ID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.fetching = false
	if e.fetchSeq == seq {
		e.err, e.errAt, e.failures = err, now, failures
	}
	e.markStale()
	if len(e.subs) == 0 {
		e.idleSince = now
	}
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
}

// applyLayers layers the patches of mutation id on their keys in one
// critical section.
func (s *Store) applyLayers(id string, patches []Patch) {
	now := s.clock.Now()
	s.mu.Lock()
	var ns []notification
	for _, p := range patches {
		e := s.ensureLocked(p.Key, now)
		e.layers = append(e.layers, layer{id: id, update: p.Update})
		e.recompute()
		ns = s.notifyLocked(ns, e)
	}
	s.mu.Unlock()
	emit(ns)
}

// settleLayers commits or rolls back the layers of mutation id and returns
// how many keys were touched. A rollback recomputes the value from the
// committed base, so with no other pending layer the key is restored exactly.
// A commit keeps the guessed value but labels it stale until a refetch
// confirms it.
func (s *Store) settleLayers(id string, keys []key.Key, commit bool) int {
	now := s.clock.Now()
	s.mu.Lock()
	var (
		ns   []notification
		n    int
		seen = make(map[string]struct{}, len(keys))
	)
	for _, k := range keys {
		if _, dup := seen[k.ID()]; dup {
			continue
		}
		seen[k.ID()] = struct{}{}
		e, ok := s.entries[k.ID()]
		if !ok {
			continue
		}
		changed := false
		kept := e.layers[:0]
		for _, l := range e.layers {
			switch {
			case l.id != id:
				kept = append(kept, l)
			case commit:
				l.committed = true
				kept = append(kept, l)
				changed = true
			default:
				changed = true
			}
		}
		e.layers = kept
		if !changed {
			continue
		}
		n++
		if !commit {
			e.recompute()
		}
		e.fold()
		if commit {
			e.markStale()
		}
		if len(e.subs) == 0 {
			e.idleSince = now
		}
		ns = s.notifyLocked(ns, e)
	}
	s.mu.Unlock()
	emit(ns)
	return n
}

// hydrate seeds an absent entry with a restored value. Restored data is never
// labeled fresh. It reports whether the entry was seeded.
func (s *Store) hydrate(k key.Key, value any, version uint64, updatedAt time.Time) bool {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.ensureLocked(k, now)
	if e.hasBase || e.fetching {
		s.mu.Unlock()
		return false
	}
	e.base, e.hasBase = value, true
	e.version = max(e.version, version)
	e.recompute()
	e.state = StateStaleIdle
	e.updatedAt = updatedAt
	ns := s.notifyLocked(nil, e)
	s.mu.Unlock()
	emit(ns)
	return true
}

type committed struct {
	key       key.Key
	value     any
	version   uint64
	updatedAt time.Time
}

// committedValues returns the authoritative (non-optimistic) value of every
// entry that has one.
func (s *Store) committedValues() []committed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]committed, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.hasBase {
			continue
		}
		out = append(out, committed{key: e.key, value: e.base, version: e.version, updatedAt: e.updatedAt})
	}
	return out
}
