package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_register(t *testing.T) {
	m := New(nil)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(m))

	m.IncompleteWrites.Set(2)
	m.Dispatchees.WithLabelValues("attached").Set(3)
	m.DetachesTotal.WithLabelValues("overflow").Inc()
	m.DispatchDelay.WithLabelValues("sync").Observe(0.01)

	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(`
# HELP broadcaster_detaches_total Total number of detached dispatchees by reason
# TYPE broadcaster_detaches_total counter
broadcaster_detaches_total{reason="overflow"} 1
# HELP broadcaster_dispatchees Number of dispatchees by state
# TYPE broadcaster_dispatchees gauge
broadcaster_dispatchees{state="attached"} 3
# HELP broadcaster_incomplete_writes Number of writes accepted but not yet applied by every attached replica
# TYPE broadcaster_incomplete_writes gauge
broadcaster_incomplete_writes 2
`), "broadcaster_detaches_total", "broadcaster_dispatchees", "broadcaster_incomplete_writes"))

	require.Equal(t, 1, testutil.CollectAndCount(m.DispatchDelay))
}
