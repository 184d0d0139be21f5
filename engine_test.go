package querysync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/querysync/key"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recHooks records the events tests assert on.
type recHooks struct {
	NopHooks
	mu          sync.Mutex
	invalidated []key.Key
	delays      []time.Duration
	failed      []ErrorKind
	rolledBack  int
	persistErrs int
}

func (h *recHooks) Invalidated(k key.Key, _ int) {
	h.mu.Lock()
	h.invalidated = append(h.invalidated, k)
	h.mu.Unlock()
}

func (h *recHooks) FetchRetried(_ key.Key, _ int, d time.Duration, _ error) {
	h.mu.Lock()
	h.delays = append(h.delays, d)
	h.mu.Unlock()
}

func (h *recHooks) FetchFailed(_ key.Key, kind ErrorKind, _ error) {
	h.mu.Lock()
	h.failed = append(h.failed, kind)
	h.mu.Unlock()
}

func (h *recHooks) RolledBack(string, int, error) {
	h.mu.Lock()
	h.rolledBack++
	h.mu.Unlock()
}

func (h *recHooks) PersistRejected(key.Key, error) {
	h.mu.Lock()
	h.persistErrs++
	h.mu.Unlock()
}

func newTestEngine(t *testing.T, opt func(*Options)) Engine {
	t.Helper()
	opts := Options{SweepInterval: -1}
	if opt != nil {
		opt(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func mustImpl(t *testing.T, e Engine) *engine {
	t.Helper()
	impl, ok := e.(*engine)
	if !ok {
		t.Fatalf("unexpected concrete type for Engine")
	}
	return impl
}

// counter returns a fetcher that counts calls and answers with next(n).
func counter(calls *atomic.Int32, next func(n int32) (any, error)) Fetcher {
	return func(context.Context) (any, error) {
		return next(calls.Add(1))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

var minute = Policy{StaleTime: time.Minute}

// ==============================
// Read path
// ==============================

// TestSingleFlight issues concurrent reads for an absent key and expects one fetch.
func TestSingleFlight(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("proposals", "list")

	var calls atomic.Int32
	release := make(chan struct{})
	f := counter(&calls, func(int32) (any, error) {
		<-release
		return []string{"p1", "p2"}, nil
	})

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := e.EnsureFresh(context.Background(), k, f, minute)
			if err == nil && len(v.([]string)) != 2 {
				err = errors.New("wrong value")
			}
			errs <- err
		}()
	}
	waitFor(t, "first fetch", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureFresh: %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls=%d want 1", got)
	}
}

// TestFreshnessRespected reads inside the staleness window and expects no I/O.
func TestFreshnessRespected(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, func(o *Options) { o.Clock = clk })
	k := key.MustMake("portfolio", "addrA")

	var calls atomic.Int32
	f := counter(&calls, func(n int32) (any, error) { return int(n), nil })

	if v, err := e.EnsureFresh(context.Background(), k, f, minute); err != nil || v != 1 {
		t.Fatalf("first read = %v, %v", v, err)
	}
	clk.Advance(59 * time.Second)
	for i := 0; i < 5; i++ {
		if v, err := e.EnsureFresh(context.Background(), k, f, minute); err != nil || v != 1 {
			t.Fatalf("fresh read = %v, %v", v, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("fetch calls=%d want 1", got)
	}
}

// TestStaleWhileRevalidate serves the old value while exactly one background
// fetch replaces it.
func TestStaleWhileRevalidate(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, func(o *Options) { o.Clock = clk })
	st := e.Store()
	k := key.MustMake("chain", "height")

	var calls atomic.Int32
	release := make(chan struct{})
	f := counter(&calls, func(n int32) (any, error) {
		if n > 1 {
			<-release
		}
		return int(n) * 100, nil
	})

	if _, err := e.EnsureFresh(context.Background(), k, f, minute); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	for i := 0; i < 3; i++ {
		v, err := e.EnsureFresh(context.Background(), k, f, minute)
		if err != nil || v != 100 {
			t.Fatalf("stale read %d = %v, %v; want old value", i, v, err)
		}
	}
	waitFor(t, "revalidation start", func() bool { return calls.Load() == 2 })
	if en, _ := st.Get(k); en.State != StateStaleRevalidating || en.Value != 100 {
		t.Fatalf("during revalidation: state=%v value=%v", en.State, en.Value)
	}

	close(release)
	waitFor(t, "new value", func() bool {
		en, _ := st.Get(k)
		return en.Value == 200
	})
	if en, _ := st.Get(k); en.State != StateFresh || en.Fetching {
		t.Fatalf("after revalidation: state=%v fetching=%v", en.State, en.Fetching)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("fetch calls=%d want 2", got)
	}
}

// TestRetryClassification: client errors run once, transient ones RetryLimit+1
// times with strictly increasing delays.
func TestRetryClassification(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		hooks := &recHooks{}
		e := newTestEngine(t, func(o *Options) { o.Hooks = hooks })
		k := key.MustMake("proposals", "missing")

		var calls atomic.Int32
		f := counter(&calls, func(int32) (any, error) {
			return nil, &RemoteError{Kind: KindClient, Status: 404, Msg: "proposal not found"}
		})
		_, err := e.EnsureFresh(context.Background(), k, f, Policy{RetryLimit: 5, RetryDelay: func(int) time.Duration { return 0 }})
		if !errors.Is(err, ErrClient) {
			t.Fatalf("err=%v want client error", err)
		}
		if got := calls.Load(); got != 1 {
			t.Fatalf("attempts=%d want 1", got)
		}
		en, _ := e.Store().Get(k)
		if en.Status() != StatusLoadFailed || en.FailureCount != 1 {
			t.Fatalf("status=%v failures=%d", en.Status(), en.FailureCount)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		hooks := &recHooks{}
		e := newTestEngine(t, func(o *Options) { o.Hooks = hooks })
		k := key.MustMake("chain", "height")

		var calls atomic.Int32
		f := counter(&calls, func(int32) (any, error) {
			return nil, context.DeadlineExceeded
		})
		p := Policy{RetryLimit: 3, RetryDelay: ExponentialBackoff(time.Millisecond, time.Second)}
		_, err := e.EnsureFresh(context.Background(), k, f, p)
		if !errors.Is(err, context.DeadlineExceeded) || Classify(err) != KindTransient {
			t.Fatalf("err=%v want transient deadline", err)
		}
		if got := calls.Load(); got != 4 {
			t.Fatalf("attempts=%d want 4", got)
		}
		hooks.mu.Lock()
		defer hooks.mu.Unlock()
		if len(hooks.delays) != 3 {
			t.Fatalf("delays=%v want 3", hooks.delays)
		}
		for i := 1; i < len(hooks.delays); i++ {
			if hooks.delays[i] <= hooks.delays[i-1] {
				t.Fatalf("delays not strictly increasing: %v", hooks.delays)
			}
		}
		if len(hooks.failed) != 1 || hooks.failed[0] != KindTransient {
			t.Fatalf("failed hooks=%v", hooks.failed)
		}
	})

	t.Run("predicate cannot retry client errors", func(t *testing.T) {
		e := newTestEngine(t, nil)
		var calls atomic.Int32
		f := counter(&calls, func(int32) (any, error) { return nil, ClientError("forbidden") })
		p := Policy{RetryPredicate: func(int, error) bool { return true }}
		_, _ = e.EnsureFresh(context.Background(), key.MustMake("admin"), f, p)
		if got := calls.Load(); got != 1 {
			t.Fatalf("attempts=%d want 1", got)
		}
	})
}

// TestFailedRefreshKeepsLastValue: a failed background refresh leaves the old
// number visible, labeled stale, with the error attached.
func TestFailedRefreshKeepsLastValue(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, func(o *Options) { o.Clock = clk })
	k := key.MustMake("portfolio", "addrA")

	var calls atomic.Int32
	f := counter(&calls, func(n int32) (any, error) {
		if n == 1 {
			return 1500, nil
		}
		return nil, TransientError("service unavailable")
	})
	p := Policy{StaleTime: time.Minute, RetryLimit: -1}

	if _, err := e.EnsureFresh(context.Background(), k, f, p); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)
	if v, err := e.EnsureFresh(context.Background(), k, f, p); err != nil || v != 1500 {
		t.Fatalf("stale read = %v, %v", v, err)
	}
	waitFor(t, "refresh failure", func() bool {
		en, _ := e.Store().Get(k)
		return en.Err != nil && !en.Fetching
	})
	en, _ := e.Store().Get(k)
	if en.Value != 1500 || en.State != StateStaleIdle || en.Status() != StatusRefreshFailed {
		t.Fatalf("entry after failed refresh: value=%v state=%v status=%v", en.Value, en.State, en.Status())
	}
}

// TestInvalidationOvertakesInFlightFetch: a response issued before an
// invalidation is not applied as fresh; the engine fetches again.
func TestInvalidationOvertakesInFlightFetch(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("proposals", "p-1")

	var calls atomic.Int32
	gate := make(chan struct{})
	f := counter(&calls, func(n int32) (any, error) {
		if n == 1 {
			<-gate
			return "before-write", nil
		}
		return "after-write", nil
	})

	done := make(chan any, 1)
	go func() {
		v, _ := e.EnsureFresh(context.Background(), k, f, minute)
		done <- v
	}()
	waitFor(t, "fetch start", func() bool { return calls.Load() == 1 })
	if _, err := e.Invalidate(context.Background(), k, InvalidateOptions{}); err != nil {
		t.Fatal(err)
	}
	close(gate)

	if v := <-done; v != "after-write" {
		t.Fatalf("EnsureFresh = %v, want the post-invalidation value", v)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("fetch calls=%d want 2", got)
	}
}

func TestCallerCancelDoesNotCancelFetch(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("portfolio", "addrA", "performance", "1M")

	gate := make(chan struct{})
	var fetchErr atomic.Value
	f := func(ctx context.Context) (any, error) {
		<-gate
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
		}
		return 42, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := e.EnsureFresh(ctx, k, f, minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	close(gate)
	waitFor(t, "fetch to land", func() bool {
		en, _ := e.Store().Get(k)
		return en.Value == 42
	})
	if v := fetchErr.Load(); v != nil {
		t.Fatalf("fetch context was cancelled: %v", v)
	}
}

func TestWatchRevalidatesAfterInvalidation(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("portfolio", "addrA", "transactions")

	var calls atomic.Int32
	f := counter(&calls, func(n int32) (any, error) { return int(n), nil })

	var mu sync.Mutex
	var seen []any
	unsub := e.Watch(k, f, minute, func(en Entry) {
		if en.HasValue() && !en.Fetching {
			mu.Lock()
			seen = append(seen, en.Value)
			mu.Unlock()
		}
	})
	defer unsub()

	waitFor(t, "initial load", func() bool { return calls.Load() == 1 })
	waitFor(t, "initial value", func() bool {
		en, _ := e.Store().Get(k)
		return en.Value == 1 && !en.Fetching
	})

	// invalidating the parent cascades and the subscribed child refetches
	if n, err := e.Invalidate(context.Background(), key.MustMake("portfolio", "addrA"), InvalidateOptions{}); err != nil || n != 1 {
		t.Fatalf("Invalidate = %d, %v", n, err)
	}
	waitFor(t, "revalidated value", func() bool {
		en, _ := e.Store().Get(k)
		return en.Value == 2 && en.State == StateFresh
	})
	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[len(seen)-1] != 2 {
		t.Fatalf("listener saw %v", seen)
	}
}

func TestRefetchIntervalPollsWhileSubscribed(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("chain", "height")

	var calls atomic.Int32
	f := counter(&calls, func(n int32) (any, error) { return int(n), nil })
	p := Policy{StaleTime: time.Hour, RefetchInterval: 5 * time.Millisecond}

	unsub := e.Watch(k, f, p, nil)
	waitFor(t, "polling", func() bool { return calls.Load() >= 3 })

	e.SetOnline(false)
	time.Sleep(15 * time.Millisecond)
	offline := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != offline {
		t.Fatalf("polled while offline: %d -> %d", offline, got)
	}
	e.SetOnline(true)
	waitFor(t, "polling resumes", func() bool { return calls.Load() > offline })

	unsub()
	time.Sleep(15 * time.Millisecond)
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != stopped {
		t.Fatalf("polling continued after unsubscribe: %d -> %d", stopped, got)
	}
}

func TestFocusAndReconnectRevalidate(t *testing.T) {
	clk := newFakeClock()
	e := newTestEngine(t, func(o *Options) { o.Clock = clk })

	var focusCalls, plainCalls atomic.Int32
	fk, pk := key.MustMake("portfolio", "addrA"), key.MustMake("proposals", "list")
	ff := counter(&focusCalls, func(n int32) (any, error) { return int(n), nil })
	pf := counter(&plainCalls, func(n int32) (any, error) { return int(n), nil })

	defer e.Watch(fk, ff, Policy{StaleTime: time.Minute, RefetchOnFocus: true, RefetchOnReconnect: true}, nil)()
	defer e.Watch(pk, pf, Policy{StaleTime: time.Minute}, nil)()
	waitFor(t, "initial loads", func() bool { return focusCalls.Load() == 1 && plainCalls.Load() == 1 })
	waitFor(t, "settled", func() bool {
		a, _ := e.Store().Get(fk)
		b, _ := e.Store().Get(pk)
		return !a.Fetching && !b.Fetching
	})

	// still fresh: regaining focus does nothing
	e.SetFocused(false)
	e.SetFocused(true)
	time.Sleep(10 * time.Millisecond)
	if focusCalls.Load() != 1 {
		t.Fatalf("fresh entry refetched on focus")
	}

	clk.Advance(2 * time.Minute)
	e.SetFocused(false)
	e.SetFocused(true)
	waitFor(t, "focus refetch", func() bool { return focusCalls.Load() == 2 })
	waitFor(t, "focus refetch applied", func() bool {
		en, _ := e.Store().Get(fk)
		return en.Value == 2 && !en.Fetching
	})

	clk.Advance(2 * time.Minute)
	e.SetOnline(false)
	e.SetOnline(true)
	waitFor(t, "reconnect refetch", func() bool { return focusCalls.Load() == 3 })

	time.Sleep(10 * time.Millisecond)
	if got := plainCalls.Load(); got != 1 {
		t.Fatalf("opted-out key refetched %d times", got)
	}
}

func TestPrefetchAll(t *testing.T) {
	e := newTestEngine(t, nil)
	ok := func(v any) Fetcher { return func(context.Context) (any, error) { return v, nil } }
	err := e.PrefetchAll(context.Background(),
		Request{Key: key.MustMake("proposals", "p-1"), Fetcher: ok("a"), Policy: minute},
		Request{Key: key.MustMake("proposals", "p-2"), Fetcher: ok("b"), Policy: minute},
	)
	if err != nil {
		t.Fatalf("PrefetchAll: %v", err)
	}
	if e.Store().Len() != 2 {
		t.Fatalf("store len=%d want 2", e.Store().Len())
	}

	err = e.PrefetchAll(context.Background(),
		Request{Key: key.MustMake("proposals", "p-3"), Fetcher: func(context.Context) (any, error) { return nil, ClientError("gone") }},
	)
	if !errors.Is(err, ErrClient) {
		t.Fatalf("err=%v want client error", err)
	}
}

func TestTypedQuery(t *testing.T) {
	e := newTestEngine(t, nil)
	k := key.MustMake("chain", "height")
	h, err := Query(context.Background(), e, k, func(context.Context) (uint64, error) { return 9001, nil }, minute)
	if err != nil || h != 9001 {
		t.Fatalf("Query = %d, %v", h, err)
	}
	if _, err := Query(context.Background(), e, k, func(context.Context) (string, error) { return "", nil }, minute); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestArgumentAndLifecycleErrors(t *testing.T) {
	e := newTestEngine(t, nil)
	if _, err := e.EnsureFresh(context.Background(), key.Key{}, func(context.Context) (any, error) { return 1, nil }, Policy{}); !errors.Is(err, ErrZeroKey) {
		t.Fatalf("zero key: %v", err)
	}
	if _, err := e.EnsureFresh(context.Background(), key.MustMake("a"), nil, Policy{}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("nil fetcher: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.EnsureFresh(context.Background(), key.MustMake("a"), func(context.Context) (any, error) { return 1, nil }, Policy{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close: %v", err)
	}
	if _, err := e.Mutate(context.Background(), Mutation{Write: func(context.Context) (any, error) { return nil, nil }}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Mutate after Close: %v", err)
	}
}

// ==============================
// Warm start
// ==============================

type memPersister struct {
	mu     sync.Mutex
	recs   map[string]Record
	forgot []key.Key
	fail   error
}

func newMemPersister() *memPersister { return &memPersister{recs: make(map[string]Record)} }

func (m *memPersister) Save(_ context.Context, k key.Key, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.recs[k.ID()] = r
	return nil
}

func (m *memPersister) Load(_ context.Context, k key.Key) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[k.ID()]
	return r, ok, nil
}

func (m *memPersister) Forget(_ context.Context, k key.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgot = append(m.forgot, k)
	for id := range m.recs {
		if rk, err := key.FromID(id); err == nil && k.IsPrefixOf(rk) {
			delete(m.recs, id)
		}
	}
	return nil
}

func TestHydrateRestoresAsStale(t *testing.T) {
	mp := newMemPersister()
	k := key.MustMake("portfolio", "addrA")
	other := key.MustMake("proposals", "list")

	first := newTestEngine(t, func(o *Options) { o.Persisters = map[string]Persister{"portfolio": mp} })
	f := func(context.Context) (any, error) { return 2500, nil }
	if _, err := first.EnsureFresh(context.Background(), k, f, minute); err != nil {
		t.Fatal(err)
	}
	if _, err := first.EnsureFresh(context.Background(), other, f, minute); err != nil {
		t.Fatal(err)
	}
	if len(mp.recs) != 1 {
		t.Fatalf("persisted %d records, want only the portfolio one", len(mp.recs))
	}

	second := newTestEngine(t, func(o *Options) { o.Persisters = map[string]Persister{"portfolio": mp} })
	n, err := second.Hydrate(context.Background(), k, other)
	if err != nil || n != 1 {
		t.Fatalf("Hydrate = %d, %v", n, err)
	}
	en, ok := second.Store().Get(k)
	if !ok || en.Value != 2500 || en.State != StateStaleIdle {
		t.Fatalf("hydrated entry: ok=%v value=%v state=%v", ok, en.Value, en.State)
	}

	var calls atomic.Int32
	v, err := second.EnsureFresh(context.Background(), k, counter(&calls, func(int32) (any, error) { return 2600, nil }), minute)
	if err != nil || v != 2500 {
		t.Fatalf("first read after hydrate = %v, %v; want restored value", v, err)
	}
	waitFor(t, "revalidation", func() bool {
		en, _ := second.Store().Get(k)
		return en.Value == 2600
	})

	if _, err := second.Invalidate(context.Background(), k, InvalidateOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(mp.forgot) != 1 || !mp.forgot[0].Equal(k) {
		t.Fatalf("forgot=%v", mp.forgot)
	}
}

func TestDehydrateSavesCommittedValuesOnly(t *testing.T) {
	mp := newMemPersister()
	e := newTestEngine(t, func(o *Options) { o.Persisters = map[string]Persister{"portfolio": mp} })
	k := key.MustMake("portfolio", "addrA")
	e.Store().Set(k, 100)

	gate := make(chan struct{})
	go func() {
		_, _ = e.Mutate(context.Background(), Mutation{
			Patches: []Patch{{Key: k, Update: SetValue(150)}},
			Write: func(context.Context) (any, error) {
				<-gate
				return nil, nil
			},
		})
	}()
	waitFor(t, "optimistic patch", func() bool {
		en, _ := e.Store().Get(k)
		return en.Value == 150
	})

	defer close(gate)

	n, err := e.Dehydrate(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Dehydrate = %d, %v", n, err)
	}
	r, ok, _ := mp.Load(context.Background(), k)
	if !ok || r.Value != 100 {
		t.Fatalf("persisted %v (ok=%v), want committed 100", r.Value, ok)
	}
}

func TestPersistFailureDoesNotFailRead(t *testing.T) {
	hooks := &recHooks{}
	mp := newMemPersister()
	mp.fail = errors.New("disk full")
	e := newTestEngine(t, func(o *Options) {
		o.Hooks = hooks
		o.Persisters = map[string]Persister{"portfolio": mp}
	})
	v, err := e.EnsureFresh(context.Background(), key.MustMake("portfolio", "x"), func(context.Context) (any, error) { return 1, nil }, minute)
	if err != nil || v != 1 {
		t.Fatalf("EnsureFresh = %v, %v", v, err)
	}
	if hooks.persistErrs != 1 {
		t.Fatalf("persist errors=%d want 1", hooks.persistErrs)
	}
}

func TestNewRejectsBadPersisters(t *testing.T) {
	if _, err := New(Options{Persisters: map[string]Persister{"": newMemPersister()}}); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
	if _, err := New(Options{Persisters: map[string]Persister{"x": nil}}); err == nil {
		t.Fatalf("expected error for nil persister")
	}
}

func TestMultiHooksFanOut(t *testing.T) {
	a, b := &recHooks{}, &recHooks{}
	e := newTestEngine(t, func(o *Options) { o.Hooks = MultiHooks{a, b} })
	k := key.MustMake("proposals", "gone")

	f := func(context.Context) (any, error) {
		return nil, &RemoteError{Kind: KindClient, Status: 410, Msg: "withdrawn"}
	}
	if _, err := e.EnsureFresh(context.Background(), k, f, Policy{}); !errors.Is(err, ErrClient) {
		t.Fatalf("err=%v", err)
	}
	for i, h := range []*recHooks{a, b} {
		h.mu.Lock()
		n := len(h.failed)
		h.mu.Unlock()
		if n != 1 {
			t.Fatalf("hooks[%d] saw %d failures, want 1", i, n)
		}
	}
}
