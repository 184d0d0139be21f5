// Package genstore keeps per-key generation counters. A persisted copy records
// the generation it was saved under; bumping the generation retires the copy.
//
// Keys are hierarchical, so a copy is checked against a chain: the counters of
// every prefix of its key. Bumping any link of the chain retires the copy and
// with it every copy that shares that prefix.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore (default) for in-process gens, or RedisGenStore for gens
// shared across processes and restarts.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// BumpMany increments several generations at once.
	BumpMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}

// Summer is implemented by stores that can add up chains natively, e.g. in
// one critical section.
type Summer interface {
	SumChains(ctx context.Context, chains map[string][]string) (map[string]uint64, error)
}

// Sum returns, per id, the sum of the generations along its chain of storage
// keys. Shared links are read once.
func Sum(ctx context.Context, g GenStore, chains map[string][]string) (map[string]uint64, error) {
	if s, ok := g.(Summer); ok {
		return s.SumChains(ctx, chains)
	}
	seen := make(map[string]struct{})
	var links []string
	for _, chain := range chains {
		for _, sk := range chain {
			if _, dup := seen[sk]; !dup {
				seen[sk] = struct{}{}
				links = append(links, sk)
			}
		}
	}
	gens, err := g.SnapshotMany(ctx, links)
	if err != nil {
		return nil, err
	}
	return addChains(chains, func(sk string) uint64 { return gens[sk] }), nil
}

func addChains(chains map[string][]string, gen func(string) uint64) map[string]uint64 {
	out := make(map[string]uint64, len(chains))
	for id, chain := range chains {
		var sum uint64
		for _, sk := range chain {
			sum += gen(sk)
		}
		out[id] = sum
	}
	return out
}
