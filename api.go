package querysync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/querysync/key"
)

// Fetcher reads the current remote value for one key. It receives a context
// bounded by Policy.Timeout and cancelled on Close, never the caller's.
type Fetcher func(ctx context.Context) (any, error)

// Request names one key to warm in PrefetchAll.
type Request struct {
	Key     key.Key
	Fetcher Fetcher
	Policy  Policy
}

// Engine is the read/write coordinator on top of a shared Store.
type Engine interface {
	// Store exposes the shared entry table (Get, Set, Subscribe, Invalidate, EvictIdle, Clear).
	Store() *Store
	DefaultPolicy() Policy

	// Read path
	EnsureFresh(ctx context.Context, k key.Key, f Fetcher, p Policy) (any, error)
	Prefetch(ctx context.Context, k key.Key, f Fetcher, p Policy) error
	PrefetchAll(ctx context.Context, reqs ...Request) error
	Watch(k key.Key, f Fetcher, p Policy, l Listener) (unsubscribe func())
	Invalidate(ctx context.Context, k key.Key, opts InvalidateOptions) (int, error)

	// Write path
	Mutate(ctx context.Context, m Mutation) (any, error)
	Pending() int

	// Environment signals
	SetFocused(focused bool)
	SetOnline(online bool)

	// Warm start
	Hydrate(ctx context.Context, keys ...key.Key) (int, error)
	Dehydrate(ctx context.Context) (int, error)

	Close(context.Context) error
}

// Options tune the engine. Everything is optional.
type Options struct {
	Clock  Clock  // nil => wall clock
	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks

	// DefaultPolicy is handed out by Engine.DefaultPolicy and applies to entries
	// created outside the read path (Store.Set, Store.Subscribe, mutations).
	DefaultPolicy Policy

	SweepInterval time.Duration // idle eviction cadence; 0 => 5s, negative => no sweeper

	// Persisters keyed by key namespace. Keys in other namespaces are never persisted.
	Persisters map[string]Persister
}

// New creates an engine and starts its idle sweeper.
func New(opts Options) (Engine, error) {
	return newEngine(opts)
}

type binding struct {
	fetcher Fetcher
	policy  Policy
	refs    int
	stop    chan struct{} // poller; nil when not polling
}

type engine struct {
	store    *Store
	clock    Clock
	log      Logger
	hooks    Hooks
	defaults Policy
	persist  map[string]Persister

	sf     singleflight.Group
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	bindings map[string]*binding
	focused  bool
	online   bool
	pending  int

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newEngine(opts Options) (*engine, error) {
	for ns, p := range opts.Persisters {
		if ns == "" {
			return nil, fmt.Errorf("querysync: persister namespace is required")
		}
		if p == nil {
			return nil, fmt.Errorf("querysync: nil persister for namespace %q", ns)
		}
	}

	e := &engine{
		clock:    coalesce[Clock](opts.Clock, systemClock{}),
		log:      coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		defaults: opts.DefaultPolicy,
		persist:  opts.Persisters,
		bindings: make(map[string]*binding),
		focused:  true,
		online:   true,
		stopCh:   make(chan struct{}),
	}
	e.base, e.cancel = context.WithCancel(context.Background())
	e.store = NewStore(StoreOptions{
		Clock:    e.clock,
		Hooks:    e.hooks,
		Logger:   e.log,
		Defaults: e.defaults,
	})
	e.store.revalidate = e.revalidate

	sweep := coalesce(opts.SweepInterval, DefaultSweepInterval)
	if sweep > 0 {
		e.ticker = time.NewTicker(sweep)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-e.ticker.C:
					e.store.EvictIdle()
				case <-e.stopCh:
					return
				}
			}
		}()
	}
	return e, nil
}

func (e *engine) Store() *Store          { return e.store }
func (e *engine) DefaultPolicy() Policy { return e.defaults }

func (e *engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// Invalidate marks k (and its descendants unless opts.Exact) stale, schedules
// revalidation of the subscribed ones and forgets persisted copies.
func (e *engine) Invalidate(ctx context.Context, k key.Key, opts InvalidateOptions) (int, error) {
	if k.IsZero() {
		return 0, ErrZeroKey
	}
	n := len(e.store.invalidate(k, opts))
	if p, ok := e.persist[k.Namespace()]; ok {
		if err := p.Forget(ctx, k); err != nil {
			e.hooks.PersistRejected(k, err)
			e.log.Warn("forget persisted copy failed", Fields{"key": k.String(), "err": err})
			return n, err
		}
	}
	return n, nil
}

// Close stops the sweeper, pollers and background revalidations, cancels
// in-flight fetches and closes persisters that support it. Safe to call twice.
func (e *engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for id, b := range e.bindings {
			if b.stop != nil {
				close(b.stop)
			}
			delete(e.bindings, id)
		}
		e.mu.Unlock()

		e.cancel()
		if e.ticker != nil {
			e.ticker.Stop()
		}
		close(e.stopCh)

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		for ns, p := range e.persist {
			c, ok := p.(interface{ Close(context.Context) error })
			if !ok {
				continue
			}
			if cerr := c.Close(ctx); cerr != nil {
				e.log.Warn("close persister failed", Fields{"namespace": ns, "err": cerr})
				if err == nil {
					err = cerr
				}
			}
		}
	})
	return err
}

func (e *engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
