package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry, Config{ServiceName: "sitebridge", Environment: "test"})

	m.AddClaimed(3)
	m.IncJobOutcome("qbo_sync_invoice", OutcomeRetried, "transient")
	m.IncJobOutcome("qbo_sync_invoice", OutcomeRetried, "transient")
	m.IncTokenRefresh(RefreshOutcomeLostRace, "window")
	m.IncEnqueued("qbo_sync_payment", true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.outboxClaimed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxOutcomes.WithLabelValues("qbo_sync_invoice", OutcomeRetried, "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefreshes.WithLabelValues(RefreshOutcomeLostRace, "window")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outboxEnqueued.WithLabelValues("qbo_sync_payment", "true")))
}

func TestSyncMetricsConstLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetrics(registry, Config{})
	m.ObserveJobDuration("deliver_notification", 250*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, family := range families {
		if family.GetName() == "sitebridge_outbox_job_duration_seconds" {
			found = family
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.GetMetric(), 1)

	labels := map[string]string{}
	for _, pair := range found.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	assert.Equal(t, "sitebridge", labels["service"])
	assert.Equal(t, "unknown", labels["env"])
	assert.Equal(t, "deliver_notification", labels["job_type"])
	assert.Equal(t, uint64(1), found.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestNilSyncMetricsIsSafe(t *testing.T) {
	var m *SyncMetrics
	m.AddClaimed(1)
	m.IncSync("invoice", SyncOutcomeSynced)
	m.IncPortalAuth("claim", AuthOutcomeSuccess)
}
