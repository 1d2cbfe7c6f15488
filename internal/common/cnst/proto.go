package cnst

// WildcardSession addresses every session that currently holds a connection
const WildcardSession = "*"

// WebSocket close codes used by the broker
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Close reasons sent to clients
const (
	ReasonAuthTimeout        = "Authentication timeout"
	ReasonAuthRequired       = "Authentication required"
	ReasonAPIKeyRequired     = "API key required"
	ReasonInvalidJSON        = "Invalid JSON"
	ReasonInvalidAPIKey      = "Invalid API key"
	ReasonConnectionLimit    = "Connection limit exceeded"
	ReasonConnectionTimeout  = "Connection timeout"
	ReasonServerShuttingDown = "Server shutting down"
)

// Error codes carried by error events
const (
	ErrorCodeRateLimited        = "rate_limited"
	ErrorCodeInvalidJSON        = "invalid_json"
	ErrorCodeUnknownMessageType = "unknown_message_type"
	ErrorCodeAuthFailed         = "authentication_failed"
)
