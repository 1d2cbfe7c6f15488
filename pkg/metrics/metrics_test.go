package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealtimeCounters(t *testing.T) {
	m := New(config.MetricsConfig{Namespace: "pg"})

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.MessageSent("chat_stream")
	m.MessageSent("chat_stream")
	m.MessageQueued("cost_update")
	m.RateLimitViolation()
	m.AuthFailure("Invalid JSON")
	m.PollDone("status", "published")
	m.StreamDone("chat", time.Now(), "ok")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.msgSent.WithLabelValues("chat_stream")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.msgQueued.WithLabelValues("cost_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailed.WithLabelValues("Invalid JSON")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pollCnt.WithLabelValues("status", "published")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.MessageSent("x")
		m.MessageQueued("x")
		m.RateLimitViolation()
		m.AuthFailure("x")
		m.PollDone("cost", "ok")
		m.StreamDone("tool", time.Now(), "failed")
	})
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(config.MetricsConfig{Namespace: "pg"})

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), `pg_http_requests_total{method="GET",route="/ping",status="200"} 1`)
}
