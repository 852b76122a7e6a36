// Package metrics exposes Prometheus collectors for the poll loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedgrab"

// Result labels.
const (
	ResultOK          = "ok"
	ResultFailed      = "failed"
	ResultFetchFailed = "fetch_failed"
	ResultAborted     = "aborted"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	CyclesTotal     *prometheus.CounterVec
	CycleDuration   *prometheus.HistogramVec
	DownloadsTotal  *prometheus.CounterVec
	BytesDownloaded *prometheus.CounterVec
	Watermark       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by profile and result",
		}, []string{"profile", "result"}),
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of complete poll cycles",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"profile"}),
		DownloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Downloads by profile and result",
		}, []string{"profile", "result"}),
		BytesDownloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to disk",
		}, []string{"profile"}),
		Watermark: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Current watermark per profile as unix seconds",
		}, []string{"profile"}),
	}
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveCycle records the end of a cycle.
func (m *Metrics) ObserveCycle(profile, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(profile, result).Inc()
	m.CycleDuration.WithLabelValues(profile).Observe(took.Seconds())
}

// ObserveDownload records one download outcome.
func (m *Metrics) ObserveDownload(profile string, size int64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.DownloadsTotal.WithLabelValues(profile, ResultFailed).Inc()
		return
	}
	m.DownloadsTotal.WithLabelValues(profile, ResultOK).Inc()
	m.BytesDownloaded.WithLabelValues(profile).Add(float64(size))
}

// SetWatermark publishes the watermark of profile.
func (m *Metrics) SetWatermark(profile string, t time.Time) {
	if m == nil || t.IsZero() {
		return
	}
	m.Watermark.WithLabelValues(profile).Set(float64(t.Unix()))
}
