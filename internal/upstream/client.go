// Package upstream drives the backend services behind the gateway: it relays
// streamed chat and tool output as realtime events and polls cost and health
// data for broadcast.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/amoylab/pulsegate/pkg/metrics"
	"github.com/amoylab/pulsegate/pkg/trace"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	serviceLLMOrchestrator = "llm_orchestrator"
	serviceMCPServer       = "mcp_server"
	serviceCostTracking    = "cost_tracking"
	serviceAirtableGateway = "airtable_gateway"

	maxChunkSize = 1 << 20
)

// Publisher receives the events produced by the upstream adapters
type Publisher interface {
	Publish(ctx context.Context, sessionID string, evt *event.Event) int
}

// Client talks to the upstream services
type Client struct {
	logger    *zap.Logger
	cfg       config.UpstreamConfig
	http      *http.Client
	publisher Publisher
	metrics   *metrics.Metrics
	tracer    *trace.Builder
	now       func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records poll and stream results into prometheus
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock replaces time.Now for payload timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates an upstream client publishing into publisher; zero
// timeouts in cfg take the gateway defaults
func NewClient(logger *zap.Logger, cfg config.UpstreamConfig, publisher Publisher, opts ...Option) *Client {
	cfg.SetDefaults()
	c := &Client{
		logger:    logger.Named("upstream"),
		cfg:       cfg,
		publisher: publisher,
		tracer:    trace.Tracer(cnst.TraceUpstream),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
		}
	}
	return c
}

// Close releases idle upstream connections
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// ChatRequest is forwarded to the LLM orchestrator as is
type ChatRequest map[string]any

// ChatResult is the accumulated text of a chat stream
type ChatResult struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Streaming bool   `json:"streaming"`
}

// ToolRequest is forwarded to the tool server as is
type ToolRequest map[string]any

// ToolName returns the requested tool name or "unknown"
func (r ToolRequest) ToolName() string {
	if name, ok := r["tool_name"].(string); ok && name != "" {
		return name
	}
	return "unknown"
}

// ToolResult is the final outcome of a tool execution
type ToolResult struct {
	Result    json.RawMessage `json:"result"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
}

// ChatStream posts req to the LLM orchestrator and publishes every streamed
// chunk to sessionID as a chat_stream event. It returns once the orchestrator
// marks the stream complete or closes it.
func (c *Client) ChatStream(ctx context.Context, sessionID string, req ChatRequest) (*ChatResult, error) {
	scope := c.tracer.Start(ctx, cnst.SpanChatStream).WithAttrs(
		attribute.String(cnst.AttrSessionID, sessionID),
		attribute.String(cnst.AttrUpstreamURL, c.cfg.LLMOrchestratorURL),
	)
	defer scope.End()
	start := time.Now()

	body := merge(req, map[string]any{"stream": true, "session_id": sessionID})

	var text strings.Builder
	err := c.stream(scope.Ctx, serviceLLMOrchestrator, endpoint(c.cfg.LLMOrchestratorURL, "/chat/stream"), body,
		func(chunk gjson.Result) bool {
			delta := chunk.Get("delta")
			payload := event.ChatStream{
				Delta:      delta.String(),
				TokenCount: int(chunk.Get("token_count").Int()),
				IsComplete: chunk.Get("is_complete").Bool(),
			}
			c.publisher.Publish(scope.Ctx, sessionID, event.New(sessionID, payload))
			if delta.Exists() {
				text.WriteString(delta.String())
			}
			return payload.IsComplete
		})
	if err != nil {
		scope.Fail(err)
		c.metrics.StreamDone("chat", start, "error")
		return nil, err
	}

	c.metrics.StreamDone("chat", start, "ok")
	return &ChatResult{Response: text.String(), SessionID: sessionID, Streaming: true}, nil
}

// ExecuteTool posts req to the tool server and publishes every progress chunk
// to sessionID as a tool_progress event. A completed chunk ends the stream
// with its result; a failed chunk ends it with a *ToolFailedError.
func (c *Client) ExecuteTool(ctx context.Context, sessionID string, req ToolRequest) (*ToolResult, error) {
	toolName := req.ToolName()
	scope := c.tracer.Start(ctx, cnst.SpanExecuteTool).WithAttrs(
		attribute.String(cnst.AttrSessionID, sessionID),
		attribute.String(cnst.AttrToolName, toolName),
		attribute.String(cnst.AttrUpstreamURL, c.cfg.MCPServerURL),
	)
	defer scope.End()
	start := time.Now()

	body := merge(req, map[string]any{"stream_progress": true, "session_id": sessionID})

	var (
		result  json.RawMessage
		failure *ToolFailedError
	)
	err := c.stream(scope.Ctx, serviceMCPServer, endpoint(c.cfg.MCPServerURL, "/tools/execute"), body,
		func(chunk gjson.Result) bool {
			payload := event.ToolProgress{
				ToolName: toolName,
				Status:   "running",
				Progress: chunk.Get("progress").Float(),
				Message:  chunk.Get("message").String(),
			}
			if s := chunk.Get("status"); s.Exists() {
				payload.Status = s.String()
			}
			if r := chunk.Get("result"); r.Exists() {
				payload.Result = json.RawMessage(r.Raw)
			}
			c.publisher.Publish(scope.Ctx, sessionID, event.New(sessionID, payload))

			switch payload.Status {
			case "completed":
				result = payload.Result
				return true
			case "failed":
				msg := payload.Message
				if msg == "" {
					msg = "Tool execution failed"
				}
				failure = &ToolFailedError{ToolName: toolName, Message: msg}
				return true
			}
			return false
		})
	if err == nil && failure != nil {
		err = failure
	}
	if err != nil {
		scope.Fail(err)
		c.metrics.StreamDone("tool", start, "error")
		return nil, err
	}

	c.metrics.StreamDone("tool", start, "ok")
	return &ToolResult{Result: result, SessionID: sessionID, ToolName: toolName}, nil
}

// stream posts body to url and feeds each newline-delimited JSON chunk of the
// response to onChunk until it returns true or the body ends
func (c *Client) stream(ctx context.Context, service, url string, body any, onChunk func(gjson.Result) bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxChunkSize))
		c.logger.Error("upstream stream rejected",
			zap.String("service", service),
			zap.Int("status", resp.StatusCode))
		return &StatusError{Service: service, StatusCode: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxChunkSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			c.logger.Warn("skipping malformed stream chunk",
				zap.String("service", service),
				zap.ByteString("chunk", line))
			continue
		}
		if onChunk(gjson.ParseBytes(line)) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s stream: %w", service, err)
	}
	return nil
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func merge(req map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(req)+len(extra))
	for k, v := range req {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
