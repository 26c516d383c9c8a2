// Package metrics holds the Prometheus collectors shared by the router, the
// streamable HTTP handler and the binary.
//
// Every collector group is nil-safe: a nil *Router, *HTTP or *Sessions
// records nothing, so components can carry an optional metrics field without
// branching at each call site.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mcp"

// register registers c with reg. When an identical collector is already
// registered the existing one is returned so that several components built
// against the same registry share counters.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// Router decisions.
const (
	DecisionLocal      = "local"
	DecisionNew        = "new"
	DecisionForward    = "forward"
	DecisionStale      = "stale"
	DecisionLoopGuard  = "loop_guard"
	DecisionStoreError = "store_error"
)

// Router observes the session affinity router.
type Router struct {
	decisions    *prometheus.CounterVec
	forwardDur   *prometheus.HistogramVec
	claimFails   prometheus.Counter
	recordsFreed *prometheus.CounterVec
}

// NewRouter builds and registers the router collectors.
func NewRouter(reg prometheus.Registerer) *Router {
	return &Router{
		decisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affinity",
			Name:      "requests_total",
			Help:      "Requests seen by the affinity router, by routing decision.",
		}, []string{"decision"})),
		forwardDur: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "affinity",
			Name:      "forward_duration_seconds",
			Help:      "Time spent proxying a request to the owning instance.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"})),
		claimFails: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affinity",
			Name:      "claim_failures_total",
			Help:      "New sessions whose ownership could not be claimed.",
		})),
		recordsFreed: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "affinity",
			Name:      "records_deleted_total",
			Help:      "Ownership records deleted by the router, by reason.",
		}, []string{"reason"})),
	}
}

func (m *Router) Decision(d string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d).Inc()
}

func (m *Router) Forwarded(code string, dur time.Duration) {
	if m == nil {
		return
	}
	m.forwardDur.WithLabelValues(code).Observe(dur.Seconds())
}

func (m *Router) ClaimFailed() {
	if m == nil {
		return
	}
	m.claimFails.Inc()
}

func (m *Router) RecordDeleted(reason string) {
	if m == nil {
		return
	}
	m.recordsFreed.WithLabelValues(reason).Inc()
}

// HTTP observes the streamable HTTP handler.
type HTTP struct {
	sessions    prometheus.Gauge
	streams     prometheus.Gauge
	events      prometheus.Counter
	resumes     *prometheus.CounterVec
	requests    *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
}

// NewHTTP builds and registers the streamable HTTP collectors.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	return &HTTP{
		sessions: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "sessions_active",
			Help:      "Sessions currently held by this instance.",
		})),
		streams: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "sse_streams_open",
			Help:      "SSE responses currently being written.",
		})),
		events: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "sse_events_total",
			Help:      "Events appended to resumable streams.",
		})),
		resumes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "resumes_total",
			Help:      "Stream resumption attempts, by outcome.",
		}, []string{"outcome"})),
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by method and status code.",
		}, []string{"method", "code"})),
		reqDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"})),
	}
}

func (m *HTTP) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *HTTP) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *HTTP) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *HTTP) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

func (m *HTTP) EventAppended() {
	if m == nil {
		return
	}
	m.events.Inc()
}

func (m *HTTP) Resumed(outcome string) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(outcome).Inc()
}

func (m *HTTP) Request(method, code string, dur time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, code).Inc()
	m.reqDuration.WithLabelValues(method).Observe(dur.Seconds())
}
