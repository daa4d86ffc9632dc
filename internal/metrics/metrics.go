// Package metrics exposes Prometheus collectors for downloads, model
// residency and remote estimates.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"localmodeld/internal/download"
	"localmodeld/internal/manager"
)

const namespace = "localmodeld"

// Metrics holds the service collectors. It implements manager.EventPublisher.
type Metrics struct {
	downloadsTotal   *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	downloadsActive  prometheus.Gauge

	loadsTotal    *prometheus.CounterVec
	loadDuration  prometheus.Histogram
	evictions     prometheus.Counter
	unloads       prometheus.Counter
	workerExits   prometheus.Counter
	estimateTotal *prometheus.CounterVec
	estimateDur   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		downloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "download", Name: "total",
			Help: "Finished downloads by result",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "download", Name: "bytes_total",
			Help: "Bytes written by downloads",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "download", Name: "duration_seconds",
			Help:    "Download duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		downloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "download", Name: "active",
			Help: "Downloads in progress",
		}),
		loadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "model", Name: "loads_total",
			Help: "Model loads by result",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "model", Name: "load_duration_seconds",
			Help:    "Model load duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "model", Name: "evictions_total",
			Help: "Models evicted to make room for another",
		}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "model", Name: "unloads_total",
			Help: "Models unloaded",
		}),
		workerExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "exits_total",
			Help: "Unexpected worker process exits",
		}),
		estimateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "estimate", Name: "remote_total",
			Help: "Remote VRAM estimates by result",
		}, []string{"result"}),
		estimateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "estimate", Name: "remote_duration_seconds",
			Help:    "Remote VRAM estimate duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.downloadsTotal, m.downloadBytes, m.downloadDuration, m.downloadsActive,
		m.loadsTotal, m.loadDuration, m.evictions, m.unloads, m.workerExits,
		m.estimateTotal, m.estimateDur,
	)
	return m
}

// DownloadHooks returns hooks feeding the download collectors.
func (m *Metrics) DownloadHooks() download.Hooks {
	return download.Hooks{
		Started: func(string) { m.downloadsActive.Inc() },
		Finished: func(_ string, n int64, elapsed time.Duration, err error) {
			m.downloadsActive.Dec()
			m.downloadBytes.Add(float64(n))
			m.downloadsTotal.WithLabelValues(result(err)).Inc()
			if err == nil {
				m.downloadDuration.Observe(elapsed.Seconds())
			}
		},
	}
}

// Publish implements manager.EventPublisher.
func (m *Metrics) Publish(e manager.Event) {
	switch e.Name {
	case manager.EventLoadDone:
		m.loadsTotal.WithLabelValues("ok").Inc()
		if d, ok := e.Fields["elapsed"].(time.Duration); ok {
			m.loadDuration.Observe(d.Seconds())
		}
	case manager.EventLoadFailed:
		m.loadsTotal.WithLabelValues("error").Inc()
	case manager.EventEvict:
		m.evictions.Inc()
	case manager.EventUnloadDone:
		m.unloads.Inc()
	case manager.EventWorkerExit:
		m.workerExits.Inc()
	}
}

// ObserveEstimate records one remote estimate call.
func (m *Metrics) ObserveEstimate(elapsed time.Duration, err error) {
	m.estimateTotal.WithLabelValues(result(err)).Inc()
	m.estimateDur.Observe(elapsed.Seconds())
}

// Residency reports the current resident model count and memory.
type Residency func() (models int, memoryMB float64)

// RegisterResidency adds gauges sampled from fn at scrape time.
func RegisterResidency(reg prometheus.Registerer, fn Residency) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "model", Name: "resident",
			Help: "Models currently resident",
		}, func() float64 {
			n, _ := fn()
			return float64(n)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "model", Name: "resident_memory_mb",
			Help: "Estimated memory of resident models in MiB",
		}, func() float64 {
			_, mb := fn()
			return mb
		}),
	)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
