package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Jobs(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.JobStarted("downloads")
	m.JobStarted("downloads")
	m.JobFinished("downloads", "finished", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobsStarted.WithLabelValues("downloads")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsInProgress.WithLabelValues("downloads")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("downloads", "finished")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.jobsFinished.WithLabelValues("downloads", "retry")))
}

func TestMetrics_Downloads(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.DownloadFailed("transient")
	m.DownloadFailed("transient")
	m.LowDiskPause()
	m.Backfill("requested")
	m.Downloaded("default", 4096)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.downloadFailures.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lowDiskPauses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backfillRequests.WithLabelValues("requested")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.downloadedBytes))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.JobStarted("x")
	m.JobFinished("x", "retry", time.Millisecond)
	m.Downloaded("default", 1)
	m.DownloadFailed("x")
	m.LowDiskPause()
	m.Backfill("x")
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
