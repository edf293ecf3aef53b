// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus collectors for queues, the context bridge,
// the remote channel and the channel server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stage"

// Metrics bundles every collector used by the runtime.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QueueItems    *prometheus.CounterVec
	QueueDuration *prometheus.HistogramVec

	EnvelopesPublished *prometheus.CounterVec
	EnvelopesIngested  *prometheus.CounterVec
	EnvelopesDuplicate prometheus.Counter
	StreamMirrored     *prometheus.CounterVec
	StreamReplayed     *prometheus.CounterVec

	ChannelConnected prometheus.Gauge
	ChannelPending   prometheus.Gauge
	ChannelSent      prometheus.Counter
	ChannelErrors    *prometheus.CounterVec

	ServerPeers   prometheus.Gauge
	ServerRelayed *prometheus.CounterVec

	PipelineSends    *prometheus.CounterVec
	PipelineTokens   prometheus.Counter
	PipelineDuration prometheus.Histogram
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		QueueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "items_total",
			Help: "Queue items settled, by queue and final status.",
		}, []string{"queue", "status"}),
		QueueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "item_duration_seconds",
			Help:    "Time spent running one item's handler chain.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"queue"}),

		EnvelopesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "envelopes_published_total",
			Help: "Context envelopes forwarded, by origin and target.",
		}, []string{"origin", "target"}),
		EnvelopesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "envelopes_ingested_total",
			Help: "Context envelopes ingested from other contexts, by transport.",
		}, []string{"transport"}),
		EnvelopesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "envelopes_duplicate_total",
			Help: "Context envelopes dropped because their id was already seen.",
		}),
		StreamMirrored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "stream_events_mirrored_total",
			Help: "Local stream lifecycle events posted to sibling contexts.",
		}, []string{"type"}),
		StreamReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "stream_events_replayed_total",
			Help: "Stream lifecycle events received from siblings and replayed locally.",
		}, []string{"type"}),

		ChannelConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "connected",
			Help: "1 when the remote channel is authenticated.",
		}),
		ChannelPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channel", Name: "pending_events",
			Help: "Events queued while the remote channel is disconnected.",
		}),
		ChannelSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "events_sent_total",
			Help: "Events written to the remote channel.",
		}),
		ChannelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "errors_total",
			Help: "Remote channel transport errors, by operation.",
		}, []string{"op"}),

		ServerPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "peers",
			Help: "Authenticated modules connected to the channel server.",
		}),
		ServerRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "events_relayed_total",
			Help: "Events relayed between modules, by event type.",
		}, []string{"type"}),

		PipelineSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "sends_total",
			Help: "Send calls, by result.",
		}, []string{"result"}),
		PipelineTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "text_deltas_total",
			Help: "Text deltas consumed from model streams.",
		}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "send_duration_seconds",
			Help:    "Wall time of a full send.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.QueueItems, m.QueueDuration,
		m.EnvelopesPublished, m.EnvelopesIngested, m.EnvelopesDuplicate,
		m.StreamMirrored, m.StreamReplayed,
		m.ChannelConnected, m.ChannelPending, m.ChannelSent, m.ChannelErrors,
		m.ServerPeers, m.ServerRelayed,
		m.PipelineSends, m.PipelineTokens, m.PipelineDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// =============================================================================
// RECORDING HELPERS
// =============================================================================

// ObserveItem records one settled queue item.
func (m *Metrics) ObserveItem(queue, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.QueueItems.WithLabelValues(queue, status).Inc()
	m.QueueDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// Published records an envelope forwarded from origin to target.
func (m *Metrics) Published(origin, target string) {
	if m == nil {
		return
	}
	m.EnvelopesPublished.WithLabelValues(origin, target).Inc()
}

// Ingested records an envelope ingested from transport.
func (m *Metrics) Ingested(transport string) {
	if m == nil {
		return
	}
	m.EnvelopesIngested.WithLabelValues(transport).Inc()
}

// Duplicate records an envelope dropped by id.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.EnvelopesDuplicate.Inc()
}

// Mirrored records a stream event posted to siblings.
func (m *Metrics) Mirrored(eventType string) {
	if m == nil {
		return
	}
	m.StreamMirrored.WithLabelValues(eventType).Inc()
}

// Replayed records a sibling stream event replayed locally.
func (m *Metrics) Replayed(eventType string) {
	if m == nil {
		return
	}
	m.StreamReplayed.WithLabelValues(eventType).Inc()
}

// SetConnected records the remote channel authentication state.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ChannelConnected.Set(1)
	} else {
		m.ChannelConnected.Set(0)
	}
}

// SetPending records the remote channel backlog size.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.ChannelPending.Set(float64(n))
}

// Sent records one event written to the remote channel.
func (m *Metrics) Sent() {
	if m == nil {
		return
	}
	m.ChannelSent.Inc()
}

// ChannelError records a remote channel failure during op.
func (m *Metrics) ChannelError(op string) {
	if m == nil {
		return
	}
	m.ChannelErrors.WithLabelValues(op).Inc()
}

// SetPeers records the number of authenticated server peers.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.ServerPeers.Set(float64(n))
}

// Relayed records an event relayed by the channel server.
func (m *Metrics) Relayed(eventType string) {
	if m == nil {
		return
	}
	m.ServerRelayed.WithLabelValues(eventType).Inc()
}

// SendFinished records the outcome of one pipeline send.
func (m *Metrics) SendFinished(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PipelineSends.WithLabelValues(result).Inc()
	m.PipelineDuration.Observe(elapsed.Seconds())
}

// TextDelta records one consumed text delta.
func (m *Metrics) TextDelta() {
	if m == nil {
		return
	}
	m.PipelineTokens.Inc()
}
