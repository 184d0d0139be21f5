package querysync

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/querysync/key"
)

// Record is the persisted form of an entry's committed value.
type Record struct {
	Value     any
	Version   uint64
	UpdatedAt time.Time
}

// Persister keeps a warm-start copy of committed values for one key namespace.
// Optimistic values are never persisted. See package persist for the
// generation-checked implementation over any provider.
type Persister interface {
	Save(ctx context.Context, k key.Key, r Record) error
	// Load returns ok=false on miss or when the copy was forgotten.
	Load(ctx context.Context, k key.Key) (r Record, ok bool, err error)
	// Forget drops k and every persisted key it is a prefix of.
	Forget(ctx context.Context, k key.Key) error
}

// KeyedRecord pairs a record with its key.
type KeyedRecord struct {
	Key key.Key
	Record
}

// SnapshotPersister additionally saves and restores a whole namespace as one
// unit. Dehydrate and a key-less Hydrate prefer it when available.
type SnapshotPersister interface {
	Persister
	SaveAll(ctx context.Context, recs []KeyedRecord) error
	LoadAll(ctx context.Context) ([]KeyedRecord, error)
}

// FencedPersister orders saves against Forget. Observe returns a token before
// the remote read starts; SaveObserved drops the record when a Forget moved
// the token since, so a value read before an invalidation is never persisted
// after it.
type FencedPersister interface {
	Persister
	Observe(ctx context.Context, k key.Key) (uint64, error)
	SaveObserved(ctx context.Context, k key.Key, r Record, observed uint64) error
}

// fence is the token observed before one fetch round.
type fence struct {
	token uint64
	ok    bool
}

func (e *engine) observe(k key.Key) fence {
	fp, ok := e.persist[k.Namespace()].(FencedPersister)
	if !ok {
		return fence{}
	}
	ctx, cancel := context.WithTimeout(e.base, DefaultTimeout)
	defer cancel()
	t, err := fp.Observe(ctx, k)
	if err != nil {
		e.log.Debug("persist fence unavailable", Fields{"key": k.String(), "err": err})
		return fence{}
	}
	return fence{token: t, ok: true}
}

// save persists a freshly fetched value. Failures are reported, not returned:
// persistence never fails a read.
func (e *engine) save(k key.Key, v any, f fence) {
	p, ok := e.persist[k.Namespace()]
	if !ok {
		return
	}
	snap, ok := e.store.Get(k)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(e.base, DefaultTimeout)
	defer cancel()
	r := Record{Value: v, Version: snap.Version, UpdatedAt: snap.UpdatedAt}
	var err error
	if fp, fenced := p.(FencedPersister); fenced {
		if !f.ok {
			return
		}
		err = fp.SaveObserved(ctx, k, r, f.token)
	} else {
		err = p.Save(ctx, k, r)
	}
	if err != nil {
		e.hooks.PersistRejected(k, err)
		e.log.Warn("persist failed", Fields{"key": k.String(), "err": err})
	}
}

// Hydrate restores persisted values for keys that are not in the store yet.
// With no keys, it restores every namespace snapshot (see SnapshotPersister).
// Restored entries are stale, so the first read serves them and revalidates.
// It returns how many entries were seeded; load errors are joined.
func (e *engine) Hydrate(ctx context.Context, keys ...key.Key) (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	var (
		recs []KeyedRecord
		errs []error
	)
	if len(keys) == 0 {
		for ns, p := range e.persist {
			sp, ok := p.(SnapshotPersister)
			if !ok {
				continue
			}
			rs, err := sp.LoadAll(ctx)
			if err != nil {
				e.log.Warn("load snapshot failed", Fields{"namespace": ns, "err": err})
				errs = append(errs, err)
				continue
			}
			recs = append(recs, rs...)
		}
	}
	for _, k := range keys {
		p, ok := e.persist[k.Namespace()]
		if !ok || k.IsZero() {
			continue
		}
		r, ok, err := p.Load(ctx, k)
		if err != nil {
			e.hooks.PersistRejected(k, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			recs = append(recs, KeyedRecord{Key: k, Record: r})
		}
	}

	n := 0
	for _, r := range recs {
		if e.store.hydrate(r.Key, r.Value, r.Version, r.UpdatedAt) {
			n++
		}
	}
	if n > 0 {
		e.log.Info("hydrated entries", Fields{"restored": n})
	}
	return n, errors.Join(errs...)
}

// Dehydrate saves the committed value of every entry whose namespace has a
// persister. Optimistic layers are not saved. It returns how many values were
// saved; save errors are joined.
func (e *engine) Dehydrate(ctx context.Context) (int, error) {
	byNS := make(map[string][]KeyedRecord)
	for _, c := range e.store.committedValues() {
		ns := c.key.Namespace()
		if _, ok := e.persist[ns]; !ok {
			continue
		}
		byNS[ns] = append(byNS[ns], KeyedRecord{
			Key:    c.key,
			Record: Record{Value: c.value, Version: c.version, UpdatedAt: c.updatedAt},
		})
	}

	var (
		n    int
		errs []error
	)
	for ns, recs := range byNS {
		p := e.persist[ns]
		if sp, ok := p.(SnapshotPersister); ok {
			if err := sp.SaveAll(ctx, recs); err != nil {
				e.log.Warn("save snapshot failed", Fields{"namespace": ns, "err": err})
				errs = append(errs, err)
				continue
			}
			n += len(recs)
			continue
		}
		for _, r := range recs {
			if err := p.Save(ctx, r.Key, r.Record); err != nil {
				e.hooks.PersistRejected(r.Key, err)
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}
