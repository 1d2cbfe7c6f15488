package cnst

import "errors"

var (
	// ErrMissingSessionID is returned when a connection arrives without a session id
	ErrMissingSessionID = errors.New("session id is required")
	// ErrCapacityExceeded is returned when a session already holds the maximum number of connections
	ErrCapacityExceeded = errors.New("connection limit exceeded")
	// ErrNotAuthenticated is returned when sending to a connection that has not authenticated
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrRateLimited is returned when a connection exhausted its message budget
	ErrRateLimited = errors.New("message rate limit exceeded")
	// ErrConnectionClosed is returned when writing to a connection that is gone
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownConnection is returned when a handle is not present in the registry
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrAuthenticationFailed is returned when the presented key is rejected
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrUnsupportedQueueType is returned for a queue store type other than memory or redis
	ErrUnsupportedQueueType = errors.New("unsupported queue store type")
	// ErrUnknownEventType is returned for event types outside the closed set
	ErrUnknownEventType = errors.New("unknown event type")
)
