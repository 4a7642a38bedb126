// Package metrics exposes Prometheus collectors for the download scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attachdl"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsStarted      *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	jobsInProgress   *prometheus.GaugeVec
	jobDuration      *prometheus.HistogramVec
	downloadedBytes  *prometheus.HistogramVec
	downloadFailures *prometheus.CounterVec
	lowDiskPauses    prometheus.Counter
	backfillRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Job attempts started.",
			},
			[]string{"manager"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Job attempts completed, by result.",
			},
			[]string{"manager", "result"},
		),
		jobsInProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_progress",
				Help:      "Jobs currently running.",
			},
			[]string{"manager"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of a single job attempt.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
			},
			[]string{"manager"},
		),
		downloadedBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "downloaded_bytes",
				Help:      "Size of downloaded attachments.",
				Buckets:   prometheus.ExponentialBuckets(1024, 10, 7),
			},
			[]string{"variant"},
		),
		downloadFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_failures_total",
				Help:      "Failed downloads, by classification.",
			},
			[]string{"kind"},
		),
		lowDiskPauses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "low_disk_pauses_total",
				Help:      "Times backup media downloads were paused for disk space.",
			},
		),
		backfillRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backfill_requests_total",
				Help:      "Backfill requests, by outcome.",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.jobsStarted,
		m.jobsFinished,
		m.jobsInProgress,
		m.jobDuration,
		m.downloadedBytes,
		m.downloadFailures,
		m.lowDiskPauses,
		m.backfillRequests,
	)
	return m
}

// JobStarted records the start of an attempt.
func (m *Metrics) JobStarted(manager string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(manager).Inc()
	m.jobsInProgress.WithLabelValues(manager).Inc()
}

// JobFinished records the end of an attempt.
func (m *Metrics) JobFinished(manager, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(manager, result).Inc()
	m.jobsInProgress.WithLabelValues(manager).Dec()
	m.jobDuration.WithLabelValues(manager).Observe(d.Seconds())
}

// Downloaded records a completed download.
func (m *Metrics) Downloaded(variant string, size int64) {
	if m == nil {
		return
	}
	m.downloadedBytes.WithLabelValues(variant).Observe(float64(size))
}

// DownloadFailed records a failure classification.
func (m *Metrics) DownloadFailed(kind string) {
	if m == nil {
		return
	}
	m.downloadFailures.WithLabelValues(kind).Inc()
}

// LowDiskPause records a transition into the paused state.
func (m *Metrics) LowDiskPause() {
	if m == nil {
		return
	}
	m.lowDiskPauses.Inc()
}

// Backfill records a backfill outcome.
func (m *Metrics) Backfill(outcome string) {
	if m == nil {
		return
	}
	m.backfillRequests.WithLabelValues(outcome).Inc()
}
