package upstream

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/realtime/event"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	StatusHealthy     = "healthy"
	StatusUnhealthy   = "unhealthy"
	StatusUnreachable = "unreachable"
	StatusDegraded    = "degraded"

	AlertWarning = "warning"
	AlertError   = "error"

	defaultPeriod = "monthly"
)

// CostPoller broadcasts the current spend whenever it moves by more than the
// configured threshold
type CostPoller struct {
	client *Client
	logger *zap.Logger

	mu       sync.Mutex
	seen     bool
	lastCost float64
}

// NewCostPoller creates a poller for the cost tracking service
func NewCostPoller(c *Client) *CostPoller {
	return &CostPoller{client: c, logger: c.logger.Named("cost")}
}

// Run polls every cost poll interval until ctx is cancelled
func (p *CostPoller) Run(ctx context.Context) {
	runEvery(ctx, p.client.cfg.CostPollInterval, func(ctx context.Context) {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Error("cost poll failed", zap.Error(err))
		}
	})
}

// Poll fetches the current cost once and reports whether an update was published
func (p *CostPoller) Poll(ctx context.Context) (bool, error) {
	c := p.client
	url := endpoint(c.cfg.CostTrackingURL, "/api/costs/current")
	scope := c.tracer.Start(ctx, cnst.SpanPollCost).WithAttrs(attribute.String(cnst.AttrUpstreamURL, url))
	defer scope.End()

	data, err := c.getJSON(scope.Ctx, serviceCostTracking, url, c.cfg.RequestTimeout)
	if err != nil {
		scope.Fail(err)
		c.metrics.PollDone("cost", "error")
		return false, err
	}

	current := data.Get("current_cost").Float()
	if !p.changed(current) {
		c.metrics.PollDone("cost", "ok")
		return false, nil
	}

	payload := event.CostUpdate{
		CurrentCost:     current,
		BudgetRemaining: data.Get("budget_remaining").Float(),
		CostBreakdown:   map[string]any{},
		Period:          defaultPeriod,
		Timestamp:       c.now().UTC(),
	}
	if breakdown, ok := data.Get("breakdown").Value().(map[string]any); ok {
		payload.CostBreakdown = breakdown
	}
	if period := data.Get("period"); period.Exists() {
		payload.Period = period.String()
	}

	delivered := c.publisher.Publish(scope.Ctx, cnst.WildcardSession, event.New(cnst.WildcardSession, payload))
	c.metrics.PollDone("cost", "published")
	p.logger.Debug("cost update broadcast",
		zap.Float64("current_cost", current),
		zap.Int("delivered", delivered))
	return true, nil
}

// changed records current as the last published cost when it differs enough
func (p *CostPoller) changed(current float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen && math.Abs(current-p.lastCost) <= p.client.cfg.CostChangeThreshold {
		return false
	}
	p.seen = true
	p.lastCost = current
	return true
}

// Service is one health-checked upstream
type Service struct {
	Name string
	URL  string
}

// Services lists the configured upstreams in a stable order
func (c *Client) Services() []Service {
	var out []Service
	add := func(name, url string) {
		if url != "" {
			out = append(out, Service{Name: name, URL: url})
		}
	}
	add(serviceLLMOrchestrator, c.cfg.LLMOrchestratorURL)
	add(serviceMCPServer, c.cfg.MCPServerURL)
	add(serviceCostTracking, c.cfg.CostTrackingURL)
	add(serviceAirtableGateway, c.cfg.AirtableGatewayURL)
	return out
}

// StatusPoller broadcasts aggregated upstream health whenever a service
// changes status
type StatusPoller struct {
	client *Client
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]string
}

// NewStatusPoller creates a poller over every configured upstream
func NewStatusPoller(c *Client) *StatusPoller {
	return &StatusPoller{client: c, logger: c.logger.Named("status")}
}

// Run polls every status poll interval until ctx is cancelled
func (p *StatusPoller) Run(ctx context.Context) {
	runEvery(ctx, p.client.cfg.StatusPollInterval, func(ctx context.Context) {
		p.Poll(ctx)
	})
}

// Poll checks every service once and reports whether an update was published
func (p *StatusPoller) Poll(ctx context.Context) bool {
	c := p.client
	scope := c.tracer.Start(ctx, cnst.SpanPollStatus)
	defer scope.End()

	services := c.CheckHealth(scope.Ctx)
	if !p.changed(services) {
		c.metrics.PollDone("status", "ok")
		return false
	}

	now := c.now().UTC()
	payload := event.SystemStatus{
		Services:      services,
		OverallStatus: OverallStatus(services),
		Alerts:        DeriveAlerts(services, c.cfg.SlowResponseTimeout, now),
		Timestamp:     now,
	}
	delivered := c.publisher.Publish(scope.Ctx, cnst.WildcardSession, event.New(cnst.WildcardSession, payload))
	c.metrics.PollDone("status", "published")
	p.logger.Debug("system status broadcast",
		zap.String("overall_status", payload.OverallStatus),
		zap.Int("alerts", len(payload.Alerts)),
		zap.Int("delivered", delivered))
	return true
}

func (p *StatusPoller) changed(services map[string]event.ServiceHealth) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := p.last == nil
	for name, h := range services {
		if p.last[name] != h.Status {
			changed = true
			break
		}
	}
	if !changed {
		return false
	}
	p.last = make(map[string]string, len(services))
	for name, h := range services {
		p.last[name] = h.Status
	}
	return true
}

// CheckHealth probes GET {url}/health of every configured service concurrently
func (c *Client) CheckHealth(ctx context.Context) map[string]event.ServiceHealth {
	services := c.Services()

	var mu sync.Mutex
	out := make(map[string]event.ServiceHealth, len(services))
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc Service) {
			defer wg.Done()
			h := c.checkOne(ctx, svc)
			mu.Lock()
			out[svc.Name] = h
			mu.Unlock()
		}(svc)
	}
	wg.Wait()
	return out
}

func (c *Client) checkOne(ctx context.Context, svc Service) event.ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()

	start := time.Now()
	status, err := c.probe(ctx, endpoint(svc.URL, "/health"))
	if err != nil {
		c.logger.Debug("health check failed",
			zap.String("service", svc.Name),
			zap.Error(err))
		return event.ServiceHealth{Status: StatusUnreachable, Error: err.Error(), LastCheck: c.now().UTC()}
	}

	h := event.ServiceHealth{
		Status:       StatusUnhealthy,
		ResponseTime: time.Since(start).Seconds(),
		LastCheck:    c.now().UTC(),
	}
	if status == http.StatusOK {
		h.Status = StatusHealthy
	}
	return h
}

func (c *Client) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxChunkSize))
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, service, url string, timeout time.Duration) (gjson.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create %s request: %w", service, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to call %s: %w", service, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChunkSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read %s response: %w", service, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, &StatusError{Service: service, StatusCode: resp.StatusCode}
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid JSON from %s", service)
	}
	return gjson.ParseBytes(body), nil
}

// OverallStatus is healthy only when every service is healthy
func OverallStatus(services map[string]event.ServiceHealth) string {
	for _, h := range services {
		if h.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// DeriveAlerts turns health results into alerts, ordered by service name.
// Unreachable services raise errors, unhealthy or slow ones raise warnings.
func DeriveAlerts(services map[string]event.ServiceHealth, slow time.Duration, now time.Time) []event.Alert {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	alerts := make([]event.Alert, 0)
	for _, name := range names {
		h := services[name]
		alert := event.Alert{Service: name, Timestamp: now}
		switch {
		case h.Status == StatusUnhealthy:
			alert.Level = AlertWarning
			alert.Message = fmt.Sprintf("Service %s is unhealthy", name)
		case h.Status == StatusUnreachable:
			alert.Level = AlertError
			alert.Message = fmt.Sprintf("Service %s is unreachable", name)
		case h.ResponseTime > slow.Seconds():
			alert.Level = AlertWarning
			alert.Message = fmt.Sprintf("Service %s response time is high (%.2fs)", name, h.ResponseTime)
		default:
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts
}
