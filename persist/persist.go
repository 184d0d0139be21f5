// Package persist stores warm-start copies of committed cache values in any
// byte provider (ristretto, bigcache, redis).
//
// Every copy is framed with the generation observed when it was written. The
// generation of a key is the sum of the counters of all its prefixes, so
// forgetting ["portfolio","addrA"] retires the persisted copies of
// ["portfolio","addrA","transactions"] too: their recorded generation no
// longer matches and they are deleted on the next load.
//
// Storage keys:
//
//	single:<ns>:<hex key id>  - one entry
//	snap:<ns>                 - whole-namespace snapshot (bulk frame)
package persist

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	qs "github.com/unkn0wn-root/querysync"
	c "github.com/unkn0wn-root/querysync/codec"
	gen "github.com/unkn0wn-root/querysync/genstore"
	"github.com/unkn0wn-root/querysync/internal/wire"
	"github.com/unkn0wn-root/querysync/key"
	pr "github.com/unkn0wn-root/querysync/provider"
)

const (
	defaultTTL          = 24 * time.Hour
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

// ErrType is returned by Save when a record holds a value of the wrong type.
var ErrType = errors.New("persist: value type mismatch")

// SetCostFunc weighs a write for cost-aware providers (ristretto).
type SetCostFunc func(storageKey string, raw []byte, isSnapshot bool, members int) int64

// Options configure a Store. Namespace, Provider and Codec are required.
type Options[V any] struct {
	Namespace string // key namespace this store serves, e.g. "portfolio"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Logger          qs.Logger     // nil => NopLogger
	TTL             time.Duration // 0 => 24h
	CleanupInterval time.Duration // local gen cleanup; 0 => 1h
	GenRetention    time.Duration // 0 => 30d
	GenStore        gen.GenStore  // nil => LocalGenStore
	ComputeSetCost  SetCostFunc   // nil => 1
	Disabled        bool

	// Accept selects the keys of Namespace that are persisted; others are
	// skipped silently. Use it when a namespace mixes value types, since one
	// Store holds one type. nil => every key.
	Accept func(k key.Key) bool
}

// Store is a generation-checked Persister for values of type V.
type Store[V any] struct {
	ns             string
	provider       pr.Provider
	codec          c.Codec[V]
	log            qs.Logger
	ttl            time.Duration
	enabled        bool
	computeSetCost SetCostFunc
	gen            gen.GenStore
	accept         func(key.Key) bool
}

var (
	_ qs.SnapshotPersister = (*Store[struct{}])(nil)
	_ qs.FencedPersister   = (*Store[struct{}])(nil)
)

// New validates opts and builds a Store.
func New[V any](opts Options[V]) (*Store[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("persist: provider is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("persist: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("persist: namespace is required")
	}

	s := &Store[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
		accept:   opts.Accept,
	}
	if opts.Logger != nil {
		s.log = opts.Logger
	} else {
		s.log = qs.NopLogger{}
	}
	s.ttl = opts.TTL
	if s.ttl == 0 {
		s.ttl = defaultTTL
	}
	if opts.ComputeSetCost != nil {
		s.computeSetCost = opts.ComputeSetCost
	} else {
		s.computeSetCost = func(string, []byte, bool, int) int64 { return 1 }
	}
	if opts.GenStore != nil {
		s.gen = opts.GenStore
	} else {
		sweep, retention := opts.CleanupInterval, opts.GenRetention
		if sweep == 0 {
			sweep = defaultSweep
		}
		if retention == 0 {
			retention = defaultGenRetention
		}
		s.gen = gen.NewLocalGenStore(sweep, retention)
	}
	return s, nil
}

func (s *Store[V]) Enabled() bool { return s.enabled }

// Close closes the generation store first, then the provider.
func (s *Store[V]) Close(ctx context.Context) error {
	if s.gen != nil {
		_ = s.gen.Close(ctx)
	}
	return s.provider.Close(ctx)
}

// Save writes r under the generation current right now. It cannot tell
// whether r was read before a Forget; the engine uses Observe and
// SaveObserved instead.
func (s *Store[V]) Save(ctx context.Context, k key.Key, r qs.Record) error {
	obs, err := s.Observe(ctx, k)
	if err != nil {
		return err
	}
	return s.SaveObserved(ctx, k, r, obs)
}

// Observe returns the generation of k, to be taken before the remote read
// whose result is later handed to SaveObserved.
func (s *Store[V]) Observe(ctx context.Context, k key.Key) (uint64, error) {
	if !s.enabled || !s.accepts(k) {
		return 0, nil
	}
	return s.Generation(ctx, k)
}

// SaveObserved writes r unless a Forget moved the generation of k away from
// observed.
func (s *Store[V]) SaveObserved(ctx context.Context, k key.Key, r qs.Record, observed uint64) error {
	if !s.enabled || !s.accepts(k) {
		return nil
	}
	v, ok := r.Value.(V)
	if !ok {
		return fmt.Errorf("%w: %s holds %T", ErrType, k, r.Value)
	}
	return s.SaveWithGen(ctx, k, v, r.Version, r.UpdatedAt, observed)
}

// SaveWithGen writes v only if the generation of k still equals observed.
// observed must be taken before v was read from the remote source; a copy
// that slips past the check carries observed in its frame and fails
// validation on load.
func (s *Store[V]) SaveWithGen(ctx context.Context, k key.Key, v V, version uint64, updatedAt time.Time, observed uint64) error {
	if !s.enabled {
		return nil
	}
	cur, err := s.Generation(ctx, k)
	if err != nil {
		return err
	}
	if cur != observed {
		s.log.Debug("persist skipped (gen moved)", qs.Fields{"key": k.Digest(), "obs": observed, "cur": cur})
		return nil
	}
	payload, err := s.codec.Encode(v)
	if err != nil {
		return err
	}
	sk := s.singleKey(k)
	raw := wire.EncodeSingle(wire.Header{Gen: observed, Version: version, UpdatedAt: updatedAt}, payload)
	ok, err := s.provider.Set(ctx, sk, raw, s.computeSetCost(sk, raw, false, 1), s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("persist rejected by provider (pressure)", qs.Fields{"key": k.Digest()})
	}
	return nil
}

// Load returns the persisted copy of k if it is still valid. Corrupt,
// undecodable or retired copies are deleted and reported as a miss.
func (s *Store[V]) Load(ctx context.Context, k key.Key) (qs.Record, bool, error) {
	if !s.enabled || !s.accepts(k) {
		return qs.Record{}, false, nil
	}
	sk := s.singleKey(k)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil || !ok {
		return qs.Record{}, false, err
	}
	h, payload, err := wire.DecodeSingle(raw)
	if err != nil {
		_ = s.provider.Del(ctx, sk) // self-heal corrupt
		return qs.Record{}, false, nil
	}
	cur, err := s.Generation(ctx, k)
	if err != nil {
		return qs.Record{}, false, err
	}
	if h.Gen != cur {
		_ = s.provider.Del(ctx, sk)
		return qs.Record{}, false, nil
	}
	v, err := s.codec.Decode(payload)
	if err != nil {
		_ = s.provider.Del(ctx, sk)
		return qs.Record{}, false, nil
	}
	return qs.Record{Value: v, Version: h.Version, UpdatedAt: h.UpdatedAt}, true, nil
}

// Forget retires the copies of k and all of its descendants by bumping the
// generation of k, then deletes the single copy of k itself.
func (s *Store[V]) Forget(ctx context.Context, k key.Key) error {
	if !s.enabled {
		return nil
	}
	_, bumpErr := s.gen.Bump(ctx, s.genKey(k))
	delErr := s.provider.Del(ctx, s.singleKey(k))
	if bumpErr != nil || delErr != nil {
		return &ForgetError{Key: k.String(), BumpErr: bumpErr, DelErr: delErr}
	}
	s.log.Debug("forgot persisted key (bumped gen + cleared single)", qs.Fields{"key": k.Digest()})
	return nil
}

// ForgetMany retires several keys with one generation round-trip.
func (s *Store[V]) ForgetMany(ctx context.Context, ks ...key.Key) error {
	if !s.enabled || len(ks) == 0 {
		return nil
	}
	gks := make([]string, len(ks))
	for i, k := range ks {
		gks[i] = s.genKey(k)
	}
	_, bumpErr := s.gen.BumpMany(ctx, gks)
	var errs []error
	for _, k := range ks {
		if err := s.provider.Del(ctx, s.singleKey(k)); err != nil || bumpErr != nil {
			errs = append(errs, &ForgetError{Key: k.String(), BumpErr: bumpErr, DelErr: err})
		}
	}
	return errors.Join(errs...)
}

// SaveAll writes recs as the namespace snapshot. Members are validated
// individually on load, so a later Forget retires just the affected ones.
func (s *Store[V]) SaveAll(ctx context.Context, recs []qs.KeyedRecord) error {
	if !s.enabled {
		return nil
	}
	kept := recs[:0:0]
	for _, r := range recs {
		if s.accepts(r.Key) {
			kept = append(kept, r)
		}
	}
	recs = kept
	if len(recs) == 0 {
		return nil
	}
	keys := make([]key.Key, len(recs))
	for i, r := range recs {
		keys[i] = r.Key
	}
	gens, err := s.Generations(ctx, keys)
	if err != nil {
		return err
	}

	items := make([]wire.BulkItem, 0, len(recs))
	for _, r := range recs {
		v, ok := r.Value.(V)
		if !ok {
			return fmt.Errorf("%w: %s holds %T", ErrType, r.Key, r.Value)
		}
		payload, err := s.codec.Encode(v)
		if err != nil {
			return err
		}
		items = append(items, wire.BulkItem{
			Key:     r.Key.ID(),
			Header:  wire.Header{Gen: gens[r.Key.ID()], Version: r.Version, UpdatedAt: r.UpdatedAt},
			Payload: payload,
		})
	}
	raw, err := wire.EncodeBulk(items)
	if err != nil {
		return err
	}
	sk := s.snapshotKey()
	ok, err := s.provider.Set(ctx, sk, raw, s.computeSetCost(sk, raw, true, len(items)), s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		// fall back to singles so a warm start still has something
		s.log.Debug("snapshot rejected; seeding singles", qs.Fields{"namespace": s.ns, "members": len(items)})
		for _, r := range recs {
			_ = s.SaveWithGen(ctx, r.Key, r.Value.(V), r.Version, r.UpdatedAt, gens[r.Key.ID()])
		}
	}
	return nil
}

// LoadAll returns the still-valid members of the namespace snapshot.
func (s *Store[V]) LoadAll(ctx context.Context) ([]qs.KeyedRecord, error) {
	if !s.enabled {
		return nil, nil
	}
	sk := s.snapshotKey()
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil || !ok {
		return nil, err
	}
	items, err := wire.DecodeBulk(raw)
	if err != nil {
		_ = s.provider.Del(ctx, sk)
		return nil, nil
	}

	keys := make([]key.Key, 0, len(items))
	byID := make(map[string]key.Key, len(items))
	for _, it := range items {
		k, err := key.FromID(it.Key)
		if err != nil || !s.accepts(k) {
			continue
		}
		keys = append(keys, k)
		byID[it.Key] = k
	}
	gens, err := s.Generations(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make([]qs.KeyedRecord, 0, len(keys))
	for _, it := range items {
		k, ok := byID[it.Key]
		if !ok || gens[it.Key] != it.Header.Gen {
			continue
		}
		v, err := s.codec.Decode(it.Payload)
		if err != nil {
			continue
		}
		out = append(out, qs.KeyedRecord{
			Key:    k,
			Record: qs.Record{Value: v, Version: it.Header.Version, UpdatedAt: it.Header.UpdatedAt},
		})
	}
	if dropped := len(items) - len(out); dropped > 0 {
		s.log.Debug("snapshot members retired", qs.Fields{"namespace": s.ns, "dropped": dropped})
	}
	return out, nil
}

// Generation is the sum of the counters of every prefix of k.
func (s *Store[V]) Generation(ctx context.Context, k key.Key) (uint64, error) {
	gens, err := s.Generations(ctx, []key.Key{k})
	if err != nil {
		s.log.Warn("gen snapshot error", qs.Fields{"key": k.Digest(), "err": err})
		return 0, err
	}
	return gens[k.ID()], nil
}

// Generations computes Generation for many keys in one generation-store read.
// The result is keyed by key ID.
func (s *Store[V]) Generations(ctx context.Context, ks []key.Key) (map[string]uint64, error) {
	chains := make(map[string][]string, len(ks))
	for _, k := range ks {
		ps := k.Prefixes()
		chain := make([]string, len(ps))
		for i, p := range ps {
			chain[i] = s.genKey(p)
		}
		chains[k.ID()] = chain
	}
	return gen.Sum(ctx, s.gen, chains)
}

func (s *Store[V]) accepts(k key.Key) bool {
	return k.Namespace() == s.ns && (s.accept == nil || s.accept(k))
}

func (s *Store[V]) singleKey(k key.Key) string {
	return "single:" + s.ns + ":" + hex.EncodeToString([]byte(k.ID()))
}

func (s *Store[V]) snapshotKey() string { return "snap:" + s.ns }

func (s *Store[V]) genKey(k key.Key) string {
	return s.ns + ":" + hex.EncodeToString([]byte(k.ID()))
}
