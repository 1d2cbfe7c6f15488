package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the type-specific body of an event. The set of implementations
// is closed to this package.
type Payload interface {
	Kind() Kind
	sealed()
}

type (
	// ChatStream is one incremental piece of an LLM response
	ChatStream struct {
		Delta      string `json:"delta"`
		TokenCount int    `json:"token_count"`
		IsComplete bool   `json:"is_complete"`
	}

	// ToolProgress reports the state of a long-running tool execution
	ToolProgress struct {
		ToolName string          `json:"tool_name"`
		Status   string          `json:"status"`
		Progress float64         `json:"progress"`
		Message  string          `json:"message,omitempty"`
		Result   json.RawMessage `json:"result,omitempty"`
	}

	// CostUpdate carries the current spend snapshot
	CostUpdate struct {
		CurrentCost     float64        `json:"current_cost"`
		BudgetRemaining float64        `json:"budget_remaining"`
		CostBreakdown   map[string]any `json:"cost_breakdown"`
		Period          string         `json:"period"`
		Timestamp       time.Time      `json:"timestamp"`
	}

	// SystemStatus is the aggregated health of the upstream services
	SystemStatus struct {
		Services      map[string]ServiceHealth `json:"services"`
		OverallStatus string                   `json:"overall_status"`
		Alerts        []Alert                  `json:"alerts"`
		Timestamp     time.Time                `json:"timestamp"`
	}

	// ServiceHealth is the result of probing one upstream service
	ServiceHealth struct {
		Status       string    `json:"status"`
		ResponseTime float64   `json:"response_time,omitempty"` // seconds
		Error        string    `json:"error,omitempty"`
		LastCheck    time.Time `json:"last_check"`
	}

	// Alert is derived from a ServiceHealth
	Alert struct {
		Level     string    `json:"level"`
		Service   string    `json:"service"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Error reports a protocol or delivery problem to the client
	Error struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}

	// Ping is the server heartbeat
	Ping struct{}

	// Pong answers a client ping
	Pong struct{}
)

func (ChatStream) Kind() Kind   { return KindChatStream }
func (ToolProgress) Kind() Kind { return KindToolProgress }
func (CostUpdate) Kind() Kind   { return KindCostUpdate }
func (SystemStatus) Kind() Kind { return KindSystemStatus }
func (Error) Kind() Kind        { return KindError }
func (Ping) Kind() Kind         { return KindPing }
func (Pong) Kind() Kind         { return KindPong }

func (ChatStream) sealed()   {}
func (ToolProgress) sealed() {}
func (CostUpdate) sealed()   {}
func (SystemStatus) sealed() {}
func (Error) sealed()        {}
func (Ping) sealed()         {}
func (Pong) sealed()         {}

// DecodePayload decodes a free-form JSON object into the payload type of kind.
// An empty raw value decodes to the zero payload.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindChatStream:
		var v ChatStream
		err = json.Unmarshal(raw, &v)
		p = v
	case KindToolProgress:
		var v ToolProgress
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCostUpdate:
		var v CostUpdate
		err = json.Unmarshal(raw, &v)
		p = v
	case KindSystemStatus:
		var v SystemStatus
		err = json.Unmarshal(raw, &v)
		p = v
	case KindError:
		var v Error
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPing:
		p = Ping{}
	case KindPong:
		p = Pong{}
	default:
		return nil, fmt.Errorf("cannot decode payload of unknown type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}
