package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func costServer(cost *atomic.Value, status *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/costs/current" {
			http.NotFound(w, r)
			return
		}
		if code := int(status.Load()); code != 0 {
			w.WriteHeader(code)
			return
		}
		fmt.Fprintf(w, `{"current_cost":%v,"budget_remaining":90,"breakdown":{"llm":%v}}`, cost.Load(), cost.Load())
	}))
}

func TestCostPollerPublishesOnChange(t *testing.T) {
	var cost atomic.Value
	var status atomic.Int32
	cost.Store(10.0)
	srv := costServer(&cost, &status)
	defer srv.Close()

	c, rec := newTestClient(t, config.UpstreamConfig{CostTrackingURL: srv.URL})
	p := NewCostPoller(c)
	ctx := context.Background()

	published, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, published)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, cnst.WildcardSession, events[0].sessionID)
	update := events[0].evt.Data.(event.CostUpdate)
	assert.Equal(t, 10.0, update.CurrentCost)
	assert.Equal(t, 90.0, update.BudgetRemaining)
	assert.Equal(t, "monthly", update.Period)
	assert.Equal(t, map[string]any{"llm": 10.0}, update.CostBreakdown)
	assert.Equal(t, fixedNow, update.Timestamp)

	cost.Store(10.005)
	published, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, published)

	cost.Store(10.02)
	published, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, published)
	assert.Len(t, rec.all(), 2)

	status.Store(http.StatusInternalServerError)
	_, err = p.Poll(ctx)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "cost_tracking", se.Service)
	assert.Len(t, rec.all(), 2)
}

func TestStatusPollerPublishesOnStatusChange(t *testing.T) {
	var llmStatus atomic.Int32
	llmStatus.Store(http.StatusOK)
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(int(llmStatus.Load()))
	}))
	defer llm.Close()

	mcp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer mcp.Close()

	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	c, rec := newTestClient(t, config.UpstreamConfig{
		LLMOrchestratorURL: llm.URL,
		MCPServerURL:       mcp.URL,
		CostTrackingURL:    goneURL,
	})
	p := NewStatusPoller(c)
	ctx := context.Background()

	require.True(t, p.Poll(ctx))
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, cnst.WildcardSession, events[0].sessionID)

	status := events[0].evt.Data.(event.SystemStatus)
	assert.Equal(t, StatusDegraded, status.OverallStatus)
	require.Len(t, status.Services, 3)
	assert.Equal(t, StatusHealthy, status.Services["llm_orchestrator"].Status)
	assert.Equal(t, StatusUnhealthy, status.Services["mcp_server"].Status)
	assert.Equal(t, StatusUnreachable, status.Services["cost_tracking"].Status)
	assert.NotEmpty(t, status.Services["cost_tracking"].Error)
	assert.Equal(t, fixedNow, status.Timestamp)

	require.Len(t, status.Alerts, 2)
	assert.Equal(t, event.Alert{Level: AlertError, Service: "cost_tracking", Message: "Service cost_tracking is unreachable", Timestamp: fixedNow}, status.Alerts[0])
	assert.Equal(t, event.Alert{Level: AlertWarning, Service: "mcp_server", Message: "Service mcp_server is unhealthy", Timestamp: fixedNow}, status.Alerts[1])

	assert.False(t, p.Poll(ctx))
	assert.Len(t, rec.all(), 1)

	llmStatus.Store(http.StatusInternalServerError)
	assert.True(t, p.Poll(ctx))
	assert.Len(t, rec.all(), 2)
}

func TestServicesFollowConfiguration(t *testing.T) {
	c, _ := newTestClient(t, config.UpstreamConfig{
		LLMOrchestratorURL: "http://llm",
		MCPServerURL:       "http://mcp",
		AirtableGatewayURL: "http://airtable",
	})
	assert.Equal(t, []Service{
		{Name: "llm_orchestrator", URL: "http://llm"},
		{Name: "mcp_server", URL: "http://mcp"},
		{Name: "airtable_gateway", URL: "http://airtable"},
	}, c.Services())
}

func TestDeriveAlerts(t *testing.T) {
	now := fixedNow
	services := map[string]event.ServiceHealth{
		"a": {Status: StatusHealthy, ResponseTime: 0.2},
		"b": {Status: StatusHealthy, ResponseTime: 6.25},
		"c": {Status: StatusUnhealthy, ResponseTime: 9},
		"d": {Status: StatusUnreachable, Error: "dial tcp: refused"},
		"e": {Status: StatusHealthy, ResponseTime: 5},
	}

	alerts := DeriveAlerts(services, 5*time.Second, now)
	assert.Equal(t, []event.Alert{
		{Level: AlertWarning, Service: "b", Message: "Service b response time is high (6.25s)", Timestamp: now},
		{Level: AlertWarning, Service: "c", Message: "Service c is unhealthy", Timestamp: now},
		{Level: AlertError, Service: "d", Message: "Service d is unreachable", Timestamp: now},
	}, alerts)

	assert.NotNil(t, DeriveAlerts(nil, time.Second, now))
}

func TestOverallStatus(t *testing.T) {
	assert.Equal(t, StatusHealthy, OverallStatus(map[string]event.ServiceHealth{"a": {Status: StatusHealthy}}))
	assert.Equal(t, StatusDegraded, OverallStatus(map[string]event.ServiceHealth{
		"a": {Status: StatusHealthy},
		"b": {Status: StatusUnreachable},
	}))
}

func TestPollersRunUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var cost atomic.Value
	var status atomic.Int32
	cost.Store(1.0)
	srv := costServer(&cost, &status)
	defer srv.Close()

	rec := &recorder{}
	c := NewClient(zap.NewNop(), config.UpstreamConfig{
		LLMOrchestratorURL: srv.URL,
		MCPServerURL:       srv.URL,
		CostTrackingURL:    srv.URL,
		CostPollInterval:   10 * time.Millisecond,
		StatusPollInterval: 10 * time.Millisecond,
	}, rec)
	defer c.Close()

	p := NewPollers(c)
	p.Start(context.Background())
	p.Start(context.Background())

	assert.Eventually(t, func() bool {
		var sawCost, sawStatus bool
		for _, e := range rec.all() {
			switch e.evt.Kind() {
			case event.KindCostUpdate:
				sawCost = true
			case event.KindSystemStatus:
				sawStatus = true
			}
		}
		return sawCost && sawStatus
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	p.Stop()
}

func TestPollersWithoutCostTracking(t *testing.T) {
	c, _ := newTestClient(t, config.UpstreamConfig{LLMOrchestratorURL: "http://llm"})
	p := NewPollers(c)
	assert.Nil(t, p.cost)
	assert.NotNil(t, p.status)
}
