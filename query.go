package querysync

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/querysync/key"
)

// Erase adapts a typed fetch function to a Fetcher.
func Erase[T any](f func(ctx context.Context) (T, error)) Fetcher {
	if f == nil {
		return nil
	}
	return func(ctx context.Context) (any, error) { return f(ctx) }
}

// Value extracts a typed value from a snapshot. ok is false when the entry
// has no value or holds another type.
func Value[T any](en Entry) (v T, ok bool) {
	if !en.HasValue() {
		return v, false
	}
	v, ok = en.Value.(T)
	return v, ok
}

// Query is the typed form of Engine.EnsureFresh.
func Query[T any](ctx context.Context, e Engine, k key.Key, f func(ctx context.Context) (T, error), p Policy) (T, error) {
	var zero T
	v, err := e.EnsureFresh(ctx, k, Erase(f), p)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("querysync: %s holds %T, not %T", k, v, zero)
	}
	return t, nil
}

// Watch is the typed form of Engine.Watch. l receives the typed value (ok=false
// while there is none) together with the full snapshot.
func Watch[T any](e Engine, k key.Key, f func(ctx context.Context) (T, error), p Policy, l func(v T, ok bool, en Entry)) func() {
	if l == nil {
		return e.Watch(k, Erase(f), p, nil)
	}
	return e.Watch(k, Erase(f), p, func(en Entry) {
		v, ok := Value[T](en)
		l(v, ok, en)
	})
}
