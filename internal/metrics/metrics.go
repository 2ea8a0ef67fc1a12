// Package metrics exposes pipeline counters and gauges to Prometheus.
//
// Metrics implements the controller's Observer, so every lifecycle
// transition, stall, retry and batch is counted where it happens.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-multistream/internal/batch"
	"github.com/e7canasta/orion-multistream/internal/inference"
	"github.com/e7canasta/orion-multistream/internal/padlink"
	"github.com/e7canasta/orion-multistream/internal/stream"
)

const namespace = "multistream"

// Metrics holds the Prometheus collectors of one pipeline.
type Metrics struct {
	registry *prometheus.Registry

	streams      *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	stalls       prometheus.Counter
	retries      prometheus.Counter
	batches      prometheus.Counter
	frames       prometheus.Counter
	detections   *prometheus.CounterVec
	batchFill    prometheus.Histogram
	inferLatency prometheus.Histogram
}

// New creates and registers the pipeline metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams",
			Help:      "Number of streams per lifecycle state",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Stream lifecycle transitions",
		}, []string{"from", "to"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalls_total",
			Help:      "Streams reported as not delivering frames",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Errored streams scheduled for reopening",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches dispatched to inference",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames dispatched to inference",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections returned by inference per class",
		}, []string{"class"}),
		batchFill: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_fill_ratio",
			Help:      "Occupied slots over capacity per dispatched batch",
			Buckets:   prometheus.LinearBuckets(0.125, 0.125, 8),
		}),
		inferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Inference latency per batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.streams,
		m.transitions,
		m.stalls,
		m.retries,
		m.batches,
		m.frames,
		m.detections,
		m.batchFill,
		m.inferLatency,
	)
	for _, s := range stream.States {
		m.streams.WithLabelValues(s.String())
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Transition counts one lifecycle transition.
func (m *Metrics) Transition(tr padlink.Transition) {
	m.transitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
}

// Stalled counts one stall.
func (m *Metrics) Stalled(id stream.ID, uri string) {
	m.stalls.Inc()
}

// Retry counts one scheduled retry.
func (m *Metrics) Retry(id stream.ID, attempt int, delay time.Duration) {
	m.retries.Inc()
}

// Batch records fill, latency and detections of one dispatched batch.
func (m *Metrics) Batch(b *batch.Batch, res inference.Result, elapsed time.Duration) {
	m.batches.Inc()
	m.frames.Add(float64(b.Len()))
	m.batchFill.Observe(float64(b.Len()) / float64(b.Capacity()))
	m.inferLatency.Observe(elapsed.Seconds())
	for _, fr := range res.Frames {
		for _, d := range fr.Detections {
			m.detections.WithLabelValues(d.Class.String()).Inc()
		}
	}
}

// SetStreams sets the per-state gauge from a registry snapshot.
func (m *Metrics) SetStreams(streams []stream.Snapshot) {
	counts := make(map[string]int, len(stream.States))
	for _, s := range streams {
		counts[s.State]++
	}
	for _, s := range stream.States {
		m.streams.WithLabelValues(s.String()).Set(float64(counts[s.String()]))
	}
}

// WatchCounter registers a counter read from fn at scrape time, for
// components that keep their own totals.
func (m *Metrics) WatchCounter(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry. update, if non-nil, runs before each
// scrape to refresh gauges.
func (m *Metrics) Handler(update func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if update != nil {
			update()
		}
		h.ServeHTTP(w, r)
	})
}
