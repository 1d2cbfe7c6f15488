package cnst

// Tracer names used across the services
const (
	// TraceBroker is the tracer name for the session broker
	TraceBroker = "pulsegate/broker"
	// TraceUpstream is the tracer name for upstream integrations
	TraceUpstream = "pulsegate/upstream"
)

// Common span names
const (
	SpanChatStream  = "upstream.chat_stream"
	SpanExecuteTool = "upstream.execute_tool"
	SpanPollCost    = "upstream.poll_cost"
	SpanPollStatus  = "upstream.poll_status"
	SpanPublish     = "broker.publish"
	SpanReplay      = "broker.replay"
)

// Common attribute keys
const (
	AttrSessionID      = "session.id"
	AttrConnectionID   = "connection.id"
	AttrEventType      = "event.type"
	AttrDelivered      = "event.delivered"
	AttrToolName       = "tool.name"
	AttrHTTPStatusCode = "http.status_code"
	AttrUpstreamURL    = "upstream.url"
)
