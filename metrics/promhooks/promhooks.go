// Package promhooks exports engine events as Prometheus metrics.
//
//	reg := prometheus.NewRegistry()
//	hooks := promhooks.New(reg, "dashsync")
//	eng, _ := querysync.New(querysync.Options{Hooks: hooks})
//
// Labels use the key namespace only; full keys would explode cardinality.
package promhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

type Hooks struct {
	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	invalidated   *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	mutationTime  *prometheus.HistogramVec
	rollbacks     *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
}

var _ qs.Hooks = (*Hooks)(nil)

// New creates the collectors and registers them with reg. A nil reg skips
// registration (useful when the caller registers Collectors itself).
func New(reg prometheus.Registerer, namespace string) *Hooks {
	h := &Hooks{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "fetches_total",
			Help: "Remote reads by key namespace and outcome (ok, client, transient).",
		}, []string{"key_ns", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "query", Name: "fetch_duration_seconds",
			Help:    "Time from first attempt to applied result, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"key_ns"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "fetch_retries_total",
			Help: "Transient fetch failures that were retried.",
		}, []string{"key_ns"}),
		invalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "invalidated_entries_total",
			Help: "Entries marked stale by invalidation, cascade included.",
		}, []string{"key_ns"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Idle entries removed by the sweeper.",
		}, []string{"key_ns"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mutation", Name: "settled_total",
			Help: "Settled mutations by name and result (committed, rolled_back).",
		}, []string{"mutation", "result"}),
		mutationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "mutation", Name: "duration_seconds",
			Help:    "Time from optimistic patch to settle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mutation"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mutation", Name: "rolled_back_keys_total",
			Help: "Keys restored by rollbacks.",
		}, []string{"mutation"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "persist", Name: "errors_total",
			Help: "Warm-start persistence failures.",
		}, []string{"key_ns"}),
	}
	if reg != nil {
		reg.MustRegister(h.Collectors()...)
	}
	return h
}

// Collectors returns every collector owned by h.
func (h *Hooks) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.fetches, h.fetchDuration, h.retries, h.invalidated, h.evictions,
		h.mutations, h.mutationTime, h.rollbacks, h.persistErrors,
	}
}

func (h *Hooks) FetchStarted(key.Key) {}

func (h *Hooks) FetchSucceeded(k key.Key, _ int, took time.Duration) {
	h.fetches.WithLabelValues(k.Namespace(), "ok").Inc()
	h.fetchDuration.WithLabelValues(k.Namespace()).Observe(took.Seconds())
}

func (h *Hooks) FetchRetried(k key.Key, _ int, _ time.Duration, _ error) {
	h.retries.WithLabelValues(k.Namespace()).Inc()
}

func (h *Hooks) FetchFailed(k key.Key, kind qs.ErrorKind, _ error) {
	h.fetches.WithLabelValues(k.Namespace(), kind.String()).Inc()
}

func (h *Hooks) Invalidated(k key.Key, n int) {
	h.invalidated.WithLabelValues(k.Namespace()).Add(float64(n))
}

func (h *Hooks) Evicted(k key.Key) {
	h.evictions.WithLabelValues(k.Namespace()).Inc()
}

func (h *Hooks) MutationSettled(name string, ok bool, took time.Duration) {
	result := "committed"
	if !ok {
		result = "rolled_back"
	}
	h.mutations.WithLabelValues(name, result).Inc()
	h.mutationTime.WithLabelValues(name).Observe(took.Seconds())
}

func (h *Hooks) RolledBack(name string, n int, _ error) {
	h.rollbacks.WithLabelValues(name).Add(float64(n))
}

func (h *Hooks) PersistRejected(k key.Key, _ error) {
	h.persistErrors.WithLabelValues(k.Namespace()).Inc()
}
