package event

import "encoding/json"

// Client frame types
const (
	FrameAuth        = "auth"
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// ClientFrame is a JSON message sent by a realtime client
type ClientFrame struct {
	Type      string   `json:"type"`
	APIKey    string   `json:"api_key,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Types     []string `json:"types,omitempty"` // subscribe / unsubscribe targets
}

// ParseClientFrame decodes one inbound text frame
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
