package querysync

import (
	"time"

	"github.com/unkn0wn-root/querysync/key"
)

// State is the value state of an entry. It is stored, not derived from
// timestamps at read time, so a staleness check can never race an invalidation.
type State uint8

const (
	// StateAbsent: no value (never fetched, failed first load, or rolled back to nothing).
	StateAbsent State = iota
	// StateFresh: value within its staleness window.
	StateFresh
	// StateStaleIdle: value usable but stale, no revalidation running.
	StateStaleIdle
	// StateStaleRevalidating: value usable but stale, a fetch is in flight.
	StateStaleRevalidating
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStaleIdle:
		return "stale-idle"
	case StateStaleRevalidating:
		return "stale-revalidating"
	default:
		return "absent"
	}
}

// Status is the coarse view a UI renders from.
type Status uint8

const (
	StatusNoData Status = iota
	StatusLoading
	StatusReady
	StatusRefreshFailed // data present, last refresh failed
	StatusLoadFailed    // no data, last load failed
)

func (s Status) String() string {
	return [...]string{"no-data", "loading", "ready", "refresh-failed", "load-failed"}[s]
}

// Entry is a consistent, read-only snapshot of one cache entry.
type Entry struct {
	Key          key.Key
	Value        any
	State        State
	Fetching     bool
	Optimistic   bool // at least one pending mutation is layered on Value
	Version      uint64
	UpdatedAt    time.Time
	StaleTime    time.Duration
	GCTime       time.Duration
	Err          error
	ErrAt        time.Time
	FailureCount int
	Subscribers  int
	IdleSince    time.Time
}

// HasValue reports whether Value is meaningful.
func (e Entry) HasValue() bool { return e.State != StateAbsent }

// IsStale reports whether the value is present but past its staleness window.
func (e Entry) IsStale() bool {
	return e.State == StateStaleIdle || e.State == StateStaleRevalidating
}

// Status folds State, Fetching and Err into the distinction a dashboard needs:
// no data yet, data present but refresh failed, and so on.
func (e Entry) Status() Status {
	switch {
	case e.HasValue() && e.Err != nil:
		return StatusRefreshFailed
	case e.HasValue():
		return StatusReady
	case e.Fetching:
		return StatusLoading
	case e.Err != nil:
		return StatusLoadFailed
	default:
		return StatusNoData
	}
}

// Listener receives entry snapshots after every visible change.
// It runs on the goroutine that made the change and must not block.
type Listener func(Entry)

// Updater computes an optimistic value from the current one (nil when absent).
// It must not mutate prev.
type Updater func(prev any) any

type layer struct {
	id        string
	update    Updater
	committed bool
}

type entry struct {
	key key.Key

	base    any // last committed value
	hasBase bool
	layers  []layer

	value    any // base with layers applied
	hasValue bool

	state     State
	fetching  bool
	fetchSeq  uint64
	version   uint64
	updatedAt time.Time
	staleTime time.Duration
	gcTime    time.Duration

	err      error
	errAt    time.Time
	failures int

	subs      map[uint64]Listener
	idleSince time.Time
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:          e.key,
		Value:        e.value,
		State:        e.state,
		Fetching:     e.fetching,
		Optimistic:   len(e.layers) > 0,
		Version:      e.version,
		UpdatedAt:    e.updatedAt,
		StaleTime:    e.staleTime,
		GCTime:       e.gcTime,
		Err:          e.err,
		ErrAt:        e.errAt,
		FailureCount: e.failures,
		Subscribers:  len(e.subs),
		IdleSince:    e.idleSince,
	}
}

// ageOut moves a fresh entry to stale once its window has passed.
// A negative staleTime never ages out.
func (e *entry) ageOut(now time.Time) {
	if e.state != StateFresh || e.staleTime < 0 {
		return
	}
	if !now.Before(e.updatedAt.Add(e.staleTime)) {
		e.markStale()
	}
}

func (e *entry) markStale() {
	if !e.hasValue {
		e.state = StateAbsent
		return
	}
	if e.fetching {
		e.state = StateStaleRevalidating
	} else {
		e.state = StateStaleIdle
	}
}

// recompute re-derives value from base and pending layers and bumps the version.
func (e *entry) recompute() {
	v, ok := e.base, e.hasBase
	for _, l := range e.layers {
		v, ok = l.update(v), true
	}
	e.value, e.hasValue = v, ok
	e.version++
	switch {
	case !ok:
		e.state = StateAbsent
	case e.state == StateAbsent:
		// a value that exists only as an optimistic guess is never fresh
		e.markStale()
	}
}

// fold absorbs committed layers that no pending layer sits under.
func (e *entry) fold() {
	for len(e.layers) > 0 && e.layers[0].committed {
		e.base, e.hasBase = e.layers[0].update(e.base), true
		e.layers = e.layers[1:]
	}
	if len(e.layers) == 0 {
		e.layers = nil
	}
}

func (e *entry) listeners() []Listener {
	if len(e.subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(e.subs))
	for _, l := range e.subs {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}
