package querysync

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/querysync/key"
)

// maxRounds bounds how often one single-flight call refetches because an
// invalidation overtook its response.
const maxRounds = 3

// EnsureFresh returns the value for k, fetching it only when needed:
//   - fresh: returned as is, no I/O;
//   - stale: returned as is while one background revalidation runs;
//   - absent: the caller waits on the single in-flight fetch for k.
//
// Cancelling ctx abandons the wait, not the fetch.
func (e *engine) EnsureFresh(ctx context.Context, k key.Key, f Fetcher, p Policy) (any, error) {
	if err := e.check(k, f); err != nil {
		return nil, err
	}
	snap := e.store.touch(k, p)
	switch snap.State {
	case StateFresh:
		return snap.Value, nil
	case StateStaleIdle, StateStaleRevalidating:
		if !snap.Fetching {
			e.background(k, f, p)
		}
		return snap.Value, nil
	}

	ch := e.sf.DoChan(k.ID(), func() (any, error) { return e.run(k, f, p) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch warms k without subscribing to it.
func (e *engine) Prefetch(ctx context.Context, k key.Key, f Fetcher, p Policy) error {
	_, err := e.EnsureFresh(ctx, k, f, p)
	return err
}

// PrefetchAll warms several keys concurrently and returns the first error.
func (e *engine) PrefetchAll(ctx context.Context, reqs ...Request) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		g.Go(func() error {
			return e.Prefetch(gctx, r.Key, r.Fetcher, r.Policy)
		})
	}
	return g.Wait()
}

// Watch subscribes l to k and binds f so the engine can revalidate k in the
// background: after invalidation, on polling ticks, and on focus/reconnect.
// An initial fetch starts when k is absent or stale. If k already holds a
// value, l receives it before Watch returns.
func (e *engine) Watch(k key.Key, f Fetcher, p Policy, l Listener) func() {
	if err := e.check(k, f); err != nil {
		e.log.Warn("watch rejected", Fields{"key": k.String(), "err": err})
		return func() {}
	}
	unsub := e.store.Subscribe(k, l)
	e.bind(k, f, p)

	snap := e.store.touch(k, p)
	if snap.HasValue() && l != nil {
		l(snap)
	}
	if snap.State != StateFresh && !snap.Fetching {
		e.background(k, f, p)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			e.unbind(k)
		})
	}
}

// SetFocused reports whether the dashboard is in the foreground. Regaining
// focus revalidates watched keys whose policy opts in and which are not fresh.
func (e *engine) SetFocused(focused bool) {
	e.mu.Lock()
	regained := focused && !e.focused
	e.focused = focused
	e.mu.Unlock()
	if regained {
		e.refetchWhere(func(p Policy) bool { return p.RefetchOnFocus })
	}
}

// SetOnline reports connectivity. Polling pauses while offline; coming back
// revalidates watched keys whose policy opts in and which are not fresh.
func (e *engine) SetOnline(online bool) {
	e.mu.Lock()
	regained := online && !e.online
	e.online = online
	e.mu.Unlock()
	if regained {
		e.refetchWhere(func(p Policy) bool { return p.RefetchOnReconnect })
	}
}

func (e *engine) check(k key.Key, f Fetcher) error {
	switch {
	case e.isClosed():
		return ErrClosed
	case k.IsZero():
		return ErrZeroKey
	case f == nil:
		return ErrNoFetcher
	}
	return nil
}

func (e *engine) refetchWhere(want func(Policy) bool) {
	type job struct {
		k key.Key
		f Fetcher
		p Policy
	}
	keys := make(map[string]key.Key)
	for _, k := range e.store.Keys() {
		keys[k.ID()] = k
	}
	var jobs []job
	e.mu.Lock()
	for id, b := range e.bindings {
		if k, ok := keys[id]; ok && want(b.policy) {
			jobs = append(jobs, job{k: k, f: b.fetcher, p: b.policy})
		}
	}
	e.mu.Unlock()

	for _, j := range jobs {
		snap, ok := e.store.Get(j.k)
		if !ok || snap.State == StateFresh || snap.Fetching {
			continue
		}
		e.background(j.k, j.f, j.p)
	}
}

// revalidate is called by the store for subscribed keys it just invalidated.
func (e *engine) revalidate(k key.Key) {
	e.mu.Lock()
	b, ok := e.bindings[k.ID()]
	var (
		f Fetcher
		p Policy
	)
	if ok {
		f, p = b.fetcher, b.policy
	}
	e.mu.Unlock()
	if !ok {
		// subscribed through the store only; next read refetches
		e.log.Debug("no fetcher bound for revalidation", Fields{"key": k.String()})
		return
	}
	e.background(k, f, p)
}

func (e *engine) bind(k key.Key, f Fetcher, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bindings[k.ID()]
	if !ok {
		b = &binding{}
		e.bindings[k.ID()] = b
	}
	b.fetcher, b.policy = f, p
	b.refs++
	if p.RefetchInterval > 0 && b.stop == nil && !e.closed {
		b.stop = make(chan struct{})
		e.wg.Add(1)
		go e.poll(k, p.RefetchInterval, b.stop)
	}
}

func (e *engine) unbind(k key.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bindings[k.ID()]
	if !ok {
		return
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	if b.stop != nil {
		close(b.stop)
	}
	delete(e.bindings, k.ID())
}

func (e *engine) poll(k key.Key, every time.Duration, stop <-chan struct{}) {
	defer e.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.mu.Lock()
			b, ok := e.bindings[k.ID()]
			online := e.online
			var (
				f Fetcher
				p Policy
			)
			if ok {
				f, p = b.fetcher, b.policy
			}
			e.mu.Unlock()
			if !ok || !online {
				continue
			}
			e.background(k, f, p)
		case <-stop:
			return
		case <-e.stopCh:
			return
		}
	}
}

// background joins or starts the single-flight fetch for k without waiting.
func (e *engine) background(k key.Key, f Fetcher, p Policy) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	ch := e.sf.DoChan(k.ID(), func() (any, error) { return e.run(k, f, p) })
	go func() {
		defer e.wg.Done()
		<-ch
	}()
}

// run is the body of one single-flight call. It retries transient failures
// and refetches when an invalidation overtook the response.
func (e *engine) run(k key.Key, f Fetcher, p Policy) (any, error) {
	start := e.clock.Now()
	e.hooks.FetchStarted(k)

	total := 0
	for round := 1; ; round++ {
		seq := e.store.beginFetch(k, p)
		fc := e.observe(k)
		v, attempts, err := e.attempt(k, f, p)
		total += attempts
		if err != nil {
			kind := Classify(err)
			e.store.failFetch(k, seq, err, attempts)
			e.hooks.FetchFailed(k, kind, err)
			e.log.Warn("fetch failed", Fields{"key": k.String(), "kind": kind.String(), "attempts": attempts, "err": err})
			return nil, err
		}

		_, out := e.store.finishFetch(k, seq, v, round >= maxRounds)
		switch out {
		case outcomeSuperseded:
			e.log.Debug("fetch superseded by invalidation, refetching", Fields{"key": k.String(), "round": round})
			continue
		case outcomeApplied:
			e.hooks.FetchSucceeded(k, total, e.clock.Now().Sub(start))
			e.save(k, v, fc)
		case outcomeForced:
			// may predate the last invalidation; served stale, never persisted
			e.hooks.FetchSucceeded(k, total, e.clock.Now().Sub(start))
		}
		return v, nil
	}
}

// attempt calls f until it succeeds or the policy stops retrying.
func (e *engine) attempt(k key.Key, f Fetcher, p Policy) (any, int, error) {
	for n := 0; ; n++ {
		v, err := e.call(f, p)
		if err == nil {
			return v, n + 1, nil
		}
		if e.base.Err() != nil {
			return nil, n + 1, errors.Join(ErrClosed, err)
		}
		if !p.shouldRetry(n, err) {
			return nil, n + 1, err
		}
		d := p.retryDelay(n)
		e.store.noteRetry(k, n+1)
		e.hooks.FetchRetried(k, n+1, d, err)
		e.log.Debug("fetch retry scheduled", Fields{"key": k.String(), "attempt": n + 1, "delay": d, "err": err})
		if err := sleep(e.base, d); err != nil {
			return nil, n + 1, errors.Join(ErrClosed, err)
		}
	}
}

func (e *engine) call(f Fetcher, p Policy) (any, error) {
	ctx := e.base
	if t := p.timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return f(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
