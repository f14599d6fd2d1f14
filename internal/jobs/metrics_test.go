package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track(JobSyncPending).End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track(JobSyncPending).End(boom), boom)
	m.Track(JobSyncPending).Skip()

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(JobSyncPending, "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(JobSyncPending, "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(JobSyncPending, "skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues(JobSyncPending)))
}

func TestSalesAndQueueDepth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddSales(OutcomeSynced, 3)
	m.AddSales(OutcomeFailed, 0)
	m.SetQueueDepth("pending", 4)

	require.Equal(t, 3.0, testutil.ToFloat64(m.sales.WithLabelValues(OutcomeSynced)))
	require.Equal(t, 0.0, testutil.ToFloat64(m.sales.WithLabelValues(OutcomeFailed)))
	require.Equal(t, 4.0, testutil.ToFloat64(m.queue.WithLabelValues("pending")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track(JobCacheRefresh).End(nil))
	m.AddSales(OutcomeSynced, 1)
	m.SetQueueDepth("pending", 1)
}
