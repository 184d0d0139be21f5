package genstore

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newLocal(t *testing.T) *LocalGenStore {
	t.Helper()
	s := NewLocalGenStore(0, 0)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestLocalSnapshotManyZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	for i := 0; i < 2; i++ {
		if _, err := s.Bump(ctx, "portfolio"); err != nil {
			t.Fatal(err)
		}
	}
	in := []string{"chain", "portfolio", "proposals"}
	got, err := s.SnapshotMany(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if got["chain"] != 0 || got["portfolio"] != 2 || got["proposals"] != 0 {
		t.Fatalf("got=%v", got)
	}
	if in[0] != "chain" || in[2] != "proposals" {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestLocalBumpManyIncrementsEachKeyOnce(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	if _, err := s.Bump(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got, err := s.BumpMany(ctx, []string{"a", "b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if got["a"] != 2 || got["b"] != 1 {
		t.Fatalf("got=%v want a=2,b=1", got)
	}
}

func TestLocalCleanupPrunesUntouched(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	_, _ = s.Bump(ctx, "old")
	now = now.Add(2 * time.Hour)
	_, _ = s.Bump(ctx, "recent")
	s.Cleanup(time.Hour)

	snap, _ := s.SnapshotMany(ctx, []string{"old", "recent"})
	if snap["old"] != 0 || snap["recent"] != 1 {
		t.Fatalf("snapshot=%v want old pruned, recent kept", snap)
	}
}

// onlySnapshots hides the Summer fast path.
type onlySnapshots struct{ GenStore }

func TestSumAddsChains(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	_, _ = s.BumpMany(ctx, []string{"portfolio", "portfolio/addrA"})
	_, _ = s.Bump(ctx, "portfolio/addrA/performance")

	chains := map[string][]string{
		"summary": {"portfolio", "portfolio/addrA"},
		"perf":    {"portfolio", "portfolio/addrA", "portfolio/addrA/performance"},
		"other":   {"portfolio", "portfolio/addrB"},
	}
	for name, g := range map[string]GenStore{"native": s, "snapshot": onlySnapshots{s}} {
		t.Run(name, func(t *testing.T) {
			got, err := Sum(ctx, g, chains)
			if err != nil {
				t.Fatal(err)
			}
			if got["summary"] != 2 || got["perf"] != 3 || got["other"] != 1 {
				t.Fatalf("got=%v", got)
			}
		})
	}
}

func TestSumSeesBumpManyAtomically(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	chains := map[string][]string{"a": {"x"}, "b": {"y"}}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, _ = s.BumpMany(ctx, []string{"x", "y"})
		}
	}()
	for i := 0; i < 500; i++ {
		got, _ := Sum(ctx, s, chains)
		if got["a"] != got["b"] {
			t.Fatalf("torn read: %v", got)
		}
	}
	wg.Wait()
}

func TestLocalCloseStopsJanitor(t *testing.T) {
	s := NewLocalGenStore(10*time.Millisecond, time.Hour)
	done := make(chan struct{})
	go func() {
		_ = s.Close(context.Background())
		_ = s.Close(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
}
