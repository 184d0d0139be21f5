package querysync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unkn0wn-root/querysync/key"
)

// Patch is one optimistic change: Update is layered over the current value of
// Key until the mutation settles.
type Patch struct {
	Key    key.Key
	Update Updater
}

// SetValue is an Updater that replaces the value outright.
func SetValue(v any) Updater {
	return func(any) any { return v }
}

// Mutation describes one remote write and its local effects.
type Mutation struct {
	Name string // for logs and hooks

	// Affected keys are invalidated (with cascade) after a successful write.
	Affected []key.Key
	// Patches are applied before Write runs and rolled back if it fails.
	Patches []Patch

	// Validate rejects the payload before anything is patched. Optional.
	Validate func() error
	// Write submits the change. It is called exactly once.
	Write func(ctx context.Context) (any, error)

	Timeout time.Duration // 0 => DefaultTimeout; negative => none
}

// Mutate runs m:
//  1. validate (nothing is patched on failure);
//  2. layer every patch over the current values in one store transition;
//  3. call Write once;
//  4. success: commit the layers and invalidate Affected;
//  5. failure: remove this mutation's layers only, restoring the values other
//     mutations still see, and return a *MutationError.
//
// Mutations touching the same keys may run concurrently; each one owns its
// layers, so rolling one back never undoes another.
func (e *engine) Mutate(ctx context.Context, m Mutation) (any, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if m.Write == nil {
		return nil, ErrNoWriter
	}
	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	keys := make([]key.Key, 0, len(m.Patches))
	for i, p := range m.Patches {
		if p.Key.IsZero() || p.Update == nil {
			return nil, Invalid(fmt.Sprintf("patches[%d]", i), "key and update are required")
		}
		keys = append(keys, p.Key)
	}

	id := uuid.NewString()
	name := coalesce(m.Name, id)
	start := e.clock.Now()

	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
	}()

	e.store.applyLayers(id, m.Patches)

	v, err := e.write(ctx, m)
	if err != nil {
		n := e.store.settleLayers(id, keys, false)
		e.hooks.RolledBack(name, n, err)
		e.hooks.MutationSettled(name, false, e.clock.Now().Sub(start))
		e.log.Warn("mutation rolled back", Fields{"mutation": name, "id": id, "keys": n, "err": err})
		return nil, &MutationError{ID: id, Name: m.Name, RolledBack: n, Err: err}
	}

	e.store.settleLayers(id, keys, true)
	// the write happened; the cascade must not depend on the caller still waiting
	ictx := context.WithoutCancel(ctx)
	for _, k := range m.Affected {
		if _, err := e.Invalidate(ictx, k, InvalidateOptions{}); err != nil && !errors.Is(err, ErrZeroKey) {
			e.log.Warn("post-mutation invalidation incomplete", Fields{"mutation": name, "key": k.String(), "err": err})
		}
	}
	// patched keys outside Affected still hold a guess; refetch them too
	for _, k := range uncovered(keys, m.Affected) {
		if _, err := e.Invalidate(ictx, k, InvalidateOptions{Exact: true}); err != nil {
			e.log.Warn("post-mutation invalidation incomplete", Fields{"mutation": name, "key": k.String(), "err": err})
		}
	}
	e.hooks.MutationSettled(name, true, e.clock.Now().Sub(start))
	e.log.Debug("mutation committed", Fields{"mutation": name, "id": id, "affected": len(m.Affected)})
	return v, nil
}

// uncovered returns the keys no prefix in affected reaches, once each.
func uncovered(keys, affected []key.Key) []key.Key {
	var out []key.Key
	seen := make(map[string]struct{}, len(keys))
next:
	for _, k := range keys {
		if _, dup := seen[k.ID()]; dup {
			continue
		}
		seen[k.ID()] = struct{}{}
		for _, a := range affected {
			if a.IsPrefixOf(k) {
				continue next
			}
		}
		out = append(out, k)
	}
	return out
}

func (e *engine) write(ctx context.Context, m Mutation) (any, error) {
	t := m.Timeout
	if t == 0 {
		t = DefaultTimeout
	}
	if t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return m.Write(ctx)
}
