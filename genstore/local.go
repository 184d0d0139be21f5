package genstore

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	gen     uint64
	touched time.Time
}

// LocalGenStore keeps generations in-process (default). Generations reset on
// restart, so persisted copies from a previous run only validate if they were
// saved at generation 0. A janitor prunes counters untouched for longer than
// the retention.
type LocalGenStore struct {
	mu       sync.RWMutex
	counters map[string]counter
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var (
	_ GenStore = (*LocalGenStore)(nil)
	_ Summer   = (*LocalGenStore)(nil)
)

// NewLocalGenStore starts a janitor when both durations are positive.
func NewLocalGenStore(cleanupInterval, retention time.Duration) *LocalGenStore {
	s := &LocalGenStore{counters: make(map[string]counter), now: time.Now}
	if cleanupInterval > 0 && retention > 0 {
		s.stop, s.done = make(chan struct{}), make(chan struct{})
		go s.janitor(cleanupInterval, retention)
	}
	return s
}

func (s *LocalGenStore) janitor(every, retention time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Cleanup(retention)
		case <-s.stop:
			return
		}
	}
}

func (s *LocalGenStore) Snapshot(_ context.Context, k string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[k].gen, nil
}

func (s *LocalGenStore) SnapshotMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range ks {
		out[k] = s.counters[k].gen
	}
	return out, nil
}

// SumChains reads every chain under one read lock, so a concurrent BumpMany
// is seen by all of them or by none.
func (s *LocalGenStore) SumChains(_ context.Context, chains map[string][]string) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return addChains(chains, func(k string) uint64 { return s.counters[k].gen }), nil
}

func (s *LocalGenStore) Bump(ctx context.Context, k string) (uint64, error) {
	gens, _ := s.BumpMany(ctx, []string{k})
	return gens[k], nil
}

// BumpMany increments each key once under one write lock.
func (s *LocalGenStore) BumpMany(_ context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range ks {
		if _, done := out[k]; done {
			continue
		}
		c := s.counters[k]
		c.gen++
		c.touched = now
		s.counters[k] = c
		out[k] = c.gen
	}
	return out, nil
}

// Cleanup forgets counters not bumped within retention. A forgotten counter
// reads as 0 again, which can only revalidate copies saved at generation 0.
func (s *LocalGenStore) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	for k, c := range s.counters {
		if c.touched.Before(cutoff) {
			delete(s.counters, k)
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (s *LocalGenStore) Close(context.Context) error {
	if s.stop == nil {
		return nil
	}
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
