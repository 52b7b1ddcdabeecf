package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IngestRequest("enqueued")
	m.IngestRequest("reused")
	m.IngestRequest("reused")
	m.ConflictRetry()
	m.JobFinished("succeeded", 3*time.Second)
	m.JobsRequeued(2)
	m.JobsRequeued(0)
	m.VariantFinished("failed", time.Second)
	m.AssetsPurged(4)

	require.Equal(t, 1.0, testutil.ToFloat64(m.ingestRequests.WithLabelValues("enqueued")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ingestRequests.WithLabelValues("reused")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.conflictRetries))
	require.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.jobsRequeued))
	require.Equal(t, 1.0, testutil.ToFloat64(m.variants.WithLabelValues("failed")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.assetsPurged))

	n, err := testutil.GatherAndCount(reg, "postmedia_ingest_job_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.IngestRequest("reused")
		m.ConflictRetry()
		m.JobFinished("failed", time.Second)
		m.JobsRequeued(1)
		m.VariantFinished("ready", time.Second)
		m.AssetsPurged(1)
	})
}
