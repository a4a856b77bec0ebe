// Package metrics provides Prometheus metrics for the baza store and sync loop
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for one store instance
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Store metrics
	DocumentsStagedTotal    prometheus.Counter
	DocumentsCommittedTotal prometheus.Counter
	CommitsTotal            prometheus.Counter
	ChangesApplied          *prometheus.CounterVec
	StagedDocuments         prometheus.Gauge

	// Sync metrics
	SyncCyclesTotal   *prometheus.CounterVec
	SyncCycleDuration prometheus.Histogram
	BlobsDownloaded   prometheus.Counter
	LastSyncTimestamp prometheus.Gauge

	StartTime time.Time
}

// NewMetrics creates all metrics on a private registry so several stores can live in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	m := &Metrics{registry: registry, StartTime: time.Now()}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baza_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)
	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baza_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.DocumentsStagedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "baza_documents_staged_total",
		Help: "Total number of staged document writes",
	})
	m.DocumentsCommittedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "baza_documents_committed_total",
		Help: "Total number of documents committed locally",
	})
	m.CommitsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "baza_commits_total",
		Help: "Total number of non-empty commits",
	})
	m.ChangesApplied = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baza_changeset_documents_total",
			Help: "Documents received in changesets by outcome",
		},
		[]string{"outcome"},
	)
	m.StagedDocuments = factory.NewGauge(prometheus.GaugeOpts{
		Name: "baza_staged_documents",
		Help: "Number of documents waiting for a commit",
	})

	m.SyncCyclesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baza_sync_cycles_total",
			Help: "Sync cycles by result",
		},
		[]string{"result"},
	)
	m.SyncCycleDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "baza_sync_cycle_duration_seconds",
		Help:    "Duration of sync cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})
	m.BlobsDownloaded = factory.NewCounter(prometheus.CounterOpts{
		Name: "baza_blobs_downloaded_total",
		Help: "Blobs fetched from peers",
	})
	m.LastSyncTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Name: "baza_last_sync_timestamp_seconds",
		Help: "Unix time of the last successful sync",
	})

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "baza_uptime_seconds",
		Help: "Seconds since the instance started",
	}, func() float64 {
		return time.Since(m.StartTime).Seconds()
	})

	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records a finished request.
func (m *Metrics) ObserveHTTP(route string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveSync records a finished sync cycle.
func (m *Metrics) ObserveSync(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncCyclesTotal.WithLabelValues(result).Inc()
	m.SyncCycleDuration.Observe(duration.Seconds())
	if result == "success" {
		m.LastSyncTimestamp.SetToCurrentTime()
	}
}

// ObserveCommit records a commit of count documents.
func (m *Metrics) ObserveCommit(count int) {
	if m == nil || count == 0 {
		return
	}
	m.CommitsTotal.Inc()
	m.DocumentsCommittedTotal.Add(float64(count))
}

// ObserveStage records a staged write.
func (m *Metrics) ObserveStage() {
	if m == nil {
		return
	}
	m.DocumentsStagedTotal.Inc()
}

// ObserveChange records one changeset document outcome.
func (m *Metrics) ObserveChange(outcome string) {
	if m == nil {
		return
	}
	m.ChangesApplied.WithLabelValues(outcome).Inc()
}

// SetStaged updates the staged documents gauge.
func (m *Metrics) SetStaged(count int64) {
	if m == nil {
		return
	}
	m.StagedDocuments.Set(float64(count))
}

// ObserveBlobDownload records a blob fetched from a peer.
func (m *Metrics) ObserveBlobDownload() {
	if m == nil {
		return
	}
	m.BlobsDownloaded.Inc()
}
