// Package querysync is a client-side sync and caching engine for dashboards
// that read slow, sometimes-unreliable remote data and write back to it.
//
// Components:
//   - key: hierarchical, canonically encoded keys. Invalidating a key
//     invalidates every key it is a prefix of.
//   - Store: the in-memory entry table. The only writer of entry state;
//     subscribers get consistent snapshots after each transition.
//   - Fetch path (Engine.EnsureFresh, Watch, Query): single-flight reads,
//     stale-while-revalidate, retries with backoff for transient errors,
//     polling, focus and reconnect revalidation.
//   - Write path (Engine.Mutate): optimistic patches layered per mutation,
//     exact rollback on failure, cascading invalidation on success.
//
// Entry states:
//
//	absent             - no value (loading if Entry.Fetching)
//	fresh              - within Policy.StaleTime; reads do no I/O
//	stale-idle         - usable, revalidates on next access
//	stale-revalidating - usable, a fetch is in flight
//
// Typical read:
//
//	k := key.MustMake("portfolio", addr)
//	p, err := querysync.Query(ctx, eng, k, api.Portfolio(addr), eng.DefaultPolicy())
//
// Typical write:
//
//	_, err := eng.Mutate(ctx, querysync.Mutation{
//		Name:     "invest",
//		Patches:  []querysync.Patch{{Key: k, Update: addHolding(amount)}},
//		Affected: []key.Key{key.MustMake("portfolio", addr)},
//		Write:    func(ctx context.Context) (any, error) { return api.Invest(ctx, req) },
//	})
//
// Optional warm start: Options.Persisters saves committed values per key
// namespace (see package persist) and Engine.Hydrate restores them as stale.
package querysync
