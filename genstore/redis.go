package genstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGenStore shares generations across processes and survives restarts,
// which lets warm-start copies outlive the process that wrote them. With a
// TTL, idle counters expire and read as 0; copies saved under an older
// generation then fail validation and self-heal.
type RedisGenStore struct {
	rdb redis.UniversalClient
	ns  string        // key prefix, e.g. the application name
	ttl time.Duration // 0 => counters never expire
}

var _ GenStore = (*RedisGenStore)(nil)

// NewRedisGenStore creates a Redis-backed generation store without TTL.
func NewRedisGenStore(client redis.UniversalClient, namespace string) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace}
}

// NewRedisGenStoreWithTTL refreshes the TTL of a counter on every bump.
// ttl <= 0 disables expiry.
func NewRedisGenStoreWithTTL(client redis.UniversalClient, namespace string, ttl time.Duration) *RedisGenStore {
	return &RedisGenStore{rdb: client, ns: namespace, ttl: ttl}
}

func (s *RedisGenStore) key(k string) string { return "gen:" + s.ns + ":" + k }

func (s *RedisGenStore) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	gens, err := s.SnapshotMany(ctx, []string{storageKey})
	if err != nil {
		return 0, err
	}
	return gens[storageKey], nil
}

// SnapshotMany reads every counter with one MGET. Missing keys map to 0.
func (s *RedisGenStore) SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(storageKeys))
	if len(storageKeys) == 0 {
		return out, nil
	}
	keys := make([]string, len(storageKeys))
	for i, k := range storageKeys {
		keys[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		g, err := parseGen(v)
		if err != nil {
			return nil, fmt.Errorf("genstore: counter %s: %w", storageKeys[i], err)
		}
		out[storageKeys[i]] = g
	}
	return out, nil
}

func parseGen(v any) (uint64, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseUint(vv, 10, 64)
	case []byte:
		return strconv.ParseUint(string(vv), 10, 64)
	case int64:
		return uint64(vv), nil
	default:
		return strconv.ParseUint(fmt.Sprint(vv), 10, 64)
	}
}

func (s *RedisGenStore) Bump(ctx context.Context, storageKey string) (uint64, error) {
	gens, err := s.BumpMany(ctx, []string{storageKey})
	if err != nil {
		return 0, err
	}
	return gens[storageKey], nil
}

// BumpMany pipelines INCR (and EXPIRE when a TTL is set) for every key in a
// single round-trip.
func (s *RedisGenStore) BumpMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(storageKeys))
	if len(storageKeys) == 0 {
		return out, nil
	}
	cmds := make(map[string]*redis.IntCmd, len(storageKeys))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, sk := range storageKeys {
			if _, dup := cmds[sk]; dup {
				continue
			}
			k := s.key(sk)
			cmds[sk] = p.Incr(ctx, k)
			if s.ttl > 0 {
				p.Expire(ctx, k, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for sk, c := range cmds {
		out[sk] = uint64(c.Val())
	}
	return out, nil
}

// Cleanup is a no-op; Redis expires counters when a TTL is set.
func (s *RedisGenStore) Cleanup(time.Duration) {}

// Close is a no-op: the client is shared and stays with the caller.
func (s *RedisGenStore) Close(context.Context) error { return nil }
