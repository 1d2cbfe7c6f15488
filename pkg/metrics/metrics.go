package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of the gateway. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	namespace   string
	httpReqCnt  *prometheus.CounterVec
	httpDur     *prometheus.HistogramVec
	httpInfl    *prometheus.GaugeVec
	connTotal   prometheus.Counter
	connActive  prometheus.Gauge
	msgSent     *prometheus.CounterVec
	msgQueued   *prometheus.CounterVec
	rateLimited prometheus.Counter
	authFailed  *prometheus.CounterVec
	pollCnt     *prometheus.CounterVec
	streamDur   *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	// Register basic HTTP metrics
	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	connTotal := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "realtime_connections_total"})
	connActive := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "realtime_connections_active"})
	msgSent := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_messages_sent_total"}, []string{"type"})
	msgQueued := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_messages_queued_total"}, []string{"type"})
	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "realtime_rate_limit_violations_total"})
	authFailed := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "realtime_auth_failures_total"}, []string{"reason"})
	r.MustRegister(connTotal, connActive, msgSent, msgQueued, rateLimited, authFailed)

	pollCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_polls_total"}, []string{"poller", "result"})
	streamDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "upstream_stream_duration_seconds", Buckets: cfg.Buckets}, []string{"stream", "status"})
	r.MustRegister(pollCnt, streamDur)

	return &Metrics{
		registry:    r,
		namespace:   ns,
		httpReqCnt:  httpReqCnt,
		httpDur:     httpDur,
		httpInfl:    httpInfl,
		connTotal:   connTotal,
		connActive:  connActive,
		msgSent:     msgSent,
		msgQueued:   msgQueued,
		rateLimited: rateLimited,
		authFailed:  authFailed,
		pollCnt:     pollCnt,
		streamDur:   streamDur,
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connTotal.Inc()
	m.connActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connActive.Dec()
}

func (m *Metrics) MessageSent(eventType string) {
	if m == nil {
		return
	}
	m.msgSent.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MessageQueued(eventType string) {
	if m == nil {
		return
	}
	m.msgQueued.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RateLimitViolation() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailed.WithLabelValues(reason).Inc()
}

// PollDone records one poll cycle; result is "ok", "error" or "published"
func (m *Metrics) PollDone(poller, result string) {
	if m == nil {
		return
	}
	m.pollCnt.WithLabelValues(poller, result).Inc()
}

func (m *Metrics) StreamDone(stream string, since time.Time, status string) {
	if m == nil {
		return
	}
	m.streamDur.WithLabelValues(stream, status).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
