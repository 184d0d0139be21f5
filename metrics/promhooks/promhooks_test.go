package promhooks

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/key"
)

func TestCountersByNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "test")

	pf := key.MustMake("portfolio", "addrA")
	h.FetchSucceeded(pf, 1, 20*time.Millisecond)
	h.FetchSucceeded(key.MustMake("portfolio", "addrB"), 2, 40*time.Millisecond)
	h.FetchFailed(pf, qs.KindClient, errors.New("404"))
	h.FetchRetried(pf, 1, time.Second, errors.New("timeout"))
	h.Invalidated(key.MustMake("portfolio"), 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.fetches.WithLabelValues("portfolio", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.fetches.WithLabelValues("portfolio", "client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.retries.WithLabelValues("portfolio")))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.invalidated.WithLabelValues("portfolio")))
	assert.Equal(t, 1, testutil.CollectAndCount(h.fetchDuration))
}

func TestMutationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg, "test")

	h.MutationSettled("invest", true, time.Millisecond)
	h.MutationSettled("invest", false, time.Millisecond)
	h.RolledBack("invest", 2, errors.New("503"))

	want := `
# HELP test_mutation_settled_total Settled mutations by name and result (committed, rolled_back).
# TYPE test_mutation_settled_total counter
test_mutation_settled_total{mutation="invest",result="committed"} 1
test_mutation_settled_total{mutation="invest",result="rolled_back"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "test_mutation_settled_total"))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.rollbacks.WithLabelValues("invest")))
}

func TestNilRegistererSkipsRegistration(t *testing.T) {
	h := New(nil, "test")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(h.evictions))
	h.Evicted(key.MustMake("chain", "height"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.evictions.WithLabelValues("chain")))
}
