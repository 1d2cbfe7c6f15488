package broker

import "context"

// Transport is the framed bidirectional channel behind a connection
type Transport interface {
	// Accept completes the transport handshake
	Accept(ctx context.Context) error
	// Write sends one text frame; it must honour the context deadline
	Write(ctx context.Context, data []byte) error
	// Close sends a close frame with code and reason and releases the transport.
	// Calling Close more than once is allowed.
	Close(code int, reason string) error
}

// KeyVerifier checks a presented shared key
type KeyVerifier interface {
	Verify(key string) bool
}

// KeyVerifierFunc adapts a function to KeyVerifier
type KeyVerifierFunc func(key string) bool

func (f KeyVerifierFunc) Verify(key string) bool { return f(key) }
