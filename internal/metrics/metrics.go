// Package metrics exposes Prometheus collectors for sessions, tool calls,
// dispatcher rejections and upstream provider requests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "health_research_mcp"

// Metrics owns a private registry. The zero value is not usable; a nil
// *Metrics is a valid no-op recorder.
type Metrics struct {
	reg *prometheus.Registry

	liveSessions     prometheus.Gauge
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionLifetime  prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

// New builds and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Number of active MCP sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions that completed the initialize handshake.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions that were closed.",
		}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_lifetime_seconds",
			Help:      "Time between session creation and close.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejections_total",
			Help:      "Requests rejected at the dispatcher by reason.",
		}, []string{"reason"}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Outbound provider requests by provider and status code.",
		}, []string{"provider", "code"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Outbound provider request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.liveSessions,
		m.sessionsOpened,
		m.sessionsClosed,
		m.sessionLifetime,
		m.toolCalls,
		m.toolDuration,
		m.rejections,
		m.upstreamRequests,
		m.upstreamDuration,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SessionPublished implements sessions.Observer.
func (m *Metrics) SessionPublished(string) {
	if m == nil {
		return
	}
	m.liveSessions.Inc()
	m.sessionsOpened.Inc()
}

// SessionClosed implements sessions.Observer.
func (m *Metrics) SessionClosed(_ string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.liveSessions.Dec()
	m.sessionsClosed.Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// ObserveToolCall implements engine.ToolObserver.
func (m *Metrics) ObserveToolCall(tool, outcome string, dur time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(dur.Seconds())
}

// Rejected counts a dispatcher-level rejection.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveUpstream records one outbound provider request. A zero status
// means the request failed before a response arrived.
func (m *Metrics) ObserveUpstream(provider string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.upstreamRequests.WithLabelValues(provider, code).Inc()
	m.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}
