// Package broker routes typed events to the live connections of a session,
// falling back to an offline queue when the session is unreachable.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/amoylab/pulsegate/internal/realtime/queue"
	"github.com/amoylab/pulsegate/pkg/metrics"
	"github.com/amoylab/pulsegate/pkg/trace"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Broker owns the connection registry, rate limiter and offline queue
type Broker struct {
	logger   *zap.Logger
	cfg      config.BrokerConfig
	now      func() time.Time
	registry *Registry
	limiter  *RateLimiter
	queue    queue.Store
	metrics  *metrics.Metrics
	tracer   *trace.Builder
	stats    counters

	// sessions orders a session's fan-out and fallback enqueue against
	// authentication and replay on the same session
	sessions *sessionLocks

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Broker
type Option func(*Broker)

// WithMetrics mirrors broker counters into prometheus
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithClock replaces time.Now for activity, rate-limit and idle bookkeeping
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a broker; zero limits in cfg take the gateway defaults
func New(logger *zap.Logger, cfg config.BrokerConfig, store queue.Store, opts ...Option) *Broker {
	cfg.SetDefaults()
	b := &Broker{
		logger:   logger.Named("realtime.broker"),
		cfg:      cfg,
		now:      time.Now,
		queue:    store,
		tracer:   trace.Tracer(cnst.TraceBroker),
		sessions: newSessionLocks(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registry = NewRegistry(cfg.MaxConnectionsPerSession, b.now)
	b.limiter = NewRateLimiter(cfg.MessageRateLimit, cfg.RateLimitWindow, b.now)
	return b
}

// Registry exposes the connection registry for read-only inspection
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Connect registers a new unauthenticated connection for sessionID and accepts
// the transport. A full session closes the transport with a policy violation.
func (b *Broker) Connect(ctx context.Context, t Transport, sessionID string, clientInfo map[string]string) (*Connection, error) {
	if sessionID == "" {
		return nil, cnst.ErrMissingSessionID
	}

	c := &Connection{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ClientInfo: clientInfo,
		transport:  t,
	}
	if err := b.registry.Add(c); err != nil {
		b.logger.Warn("connection limit exceeded",
			zap.String("session_id", sessionID),
			zap.Int("limit", b.cfg.MaxConnectionsPerSession))
		if cerr := t.Close(cnst.ClosePolicyViolation, cnst.ReasonConnectionLimit); cerr != nil {
			b.logger.Debug("failed to close rejected transport", zap.Error(cerr))
		}
		return nil, err
	}

	if err := t.Accept(ctx); err != nil {
		b.registry.Remove(c.ID)
		return nil, fmt.Errorf("failed to accept transport: %w", err)
	}

	b.limiter.Reset(c.ID)
	b.stats.totalConnections.Add(1)
	b.metrics.ConnectionOpened()

	b.logger.Info("realtime connection opened",
		zap.String("session_id", sessionID),
		zap.String("connection_id", c.ID),
		zap.Int("active", b.registry.Len()))
	return c, nil
}

// Authenticate verifies key and, on success, marks the connection
// authenticated and replays the session's offline queue to it. Live events
// for the connection wait until the replay finishes.
func (b *Broker) Authenticate(ctx context.Context, c *Connection, key string, verifier KeyVerifier) error {
	if _, ok := b.registry.Get(c.ID); !ok {
		return cnst.ErrUnknownConnection
	}

	if !verifier.Verify(key) {
		b.recordAuthFailure(cnst.ReasonInvalidAPIKey)
		b.SendError(ctx, c, cnst.ErrorCodeAuthFailed, cnst.ReasonInvalidAPIKey)
		b.Close(c, cnst.ClosePolicyViolation, cnst.ReasonInvalidAPIKey)
		return cnst.ErrAuthenticationFailed
	}

	unlock := b.sessions.Lock(c.SessionID)
	defer unlock()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !b.registry.MarkAuthenticated(c.ID) {
		return cnst.ErrUnknownConnection
	}
	b.logger.Info("realtime connection authenticated",
		zap.String("session_id", c.SessionID),
		zap.String("connection_id", c.ID))

	b.replayLocked(ctx, c)
	return nil
}

// replayLocked drains the session queue into c; c.sendMu must be held
func (b *Broker) replayLocked(ctx context.Context, c *Connection) {
	scope := b.tracer.Start(ctx, cnst.SpanReplay).
		WithAttrs(attribute.String(cnst.AttrSessionID, c.SessionID))
	defer scope.End()

	evts, err := b.queue.Drain(scope.Ctx, c.SessionID)
	if err != nil {
		scope.Fail(err)
		b.logger.Error("failed to drain offline queue",
			zap.String("session_id", c.SessionID),
			zap.Error(err))
		return
	}

	// the queue is gone once drained; whatever cannot be sent now is dropped
	sent := 0
	for _, evt := range evts {
		if err := b.sendLocked(scope.Ctx, c, evt); err != nil {
			b.logger.Warn("offline replay interrupted",
				zap.String("session_id", c.SessionID),
				zap.Int("sent", sent),
				zap.Int("dropped", len(evts)-sent),
				zap.Error(err))
			break
		}
		sent++
	}
	scope.WithAttrs(attribute.Int(cnst.AttrDelivered, sent))
	if sent > 0 {
		b.logger.Info("replayed queued events",
			zap.String("session_id", c.SessionID),
			zap.Int("count", sent))
	}
}

// RejectAuthentication records a failed handshake and closes the connection
func (b *Broker) RejectAuthentication(c *Connection, reason string) {
	b.recordAuthFailure(reason)
	b.logger.Warn("realtime authentication rejected",
		zap.String("session_id", c.SessionID),
		zap.String("connection_id", c.ID),
		zap.String("reason", reason))
	b.Close(c, cnst.ClosePolicyViolation, reason)
}

func (b *Broker) recordAuthFailure(reason string) {
	b.stats.authFailures.Add(1)
	b.metrics.AuthFailure(reason)
}

// Touch marks inbound activity on c
func (b *Broker) Touch(c *Connection) {
	b.registry.Touch(c.ID)
}

// Send delivers evt to one authenticated connection, subject to its rate limit
func (b *Broker) Send(ctx context.Context, c *Connection, evt *event.Event) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return b.sendLocked(ctx, c, evt)
}

func (b *Broker) sendLocked(ctx context.Context, c *Connection, evt *event.Event) error {
	if !b.registry.IsAuthenticated(c.ID) {
		return cnst.ErrNotAuthenticated
	}

	if !b.limiter.Allow(c.ID) {
		b.stats.rateLimitViolations.Add(1)
		b.metrics.RateLimitViolation()
		b.logger.Warn("message rate limit exceeded",
			zap.String("session_id", c.SessionID),
			zap.String("connection_id", c.ID))
		b.writeErrorLocked(ctx, c, cnst.ErrorCodeRateLimited, "Message rate limit exceeded")
		return cnst.ErrRateLimited
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", evt.Kind(), err)
	}
	if err := b.write(ctx, c, data); err != nil {
		b.logger.Warn("write failed, dropping connection",
			zap.String("session_id", c.SessionID),
			zap.String("connection_id", c.ID),
			zap.Error(err))
		b.Close(c, cnst.CloseGoingAway, "")
		return fmt.Errorf("%w: %v", cnst.ErrConnectionClosed, err)
	}

	b.registry.RecordSent(c.ID)
	b.stats.messagesSent.Add(1)
	b.metrics.MessageSent(evt.Kind().String())
	return nil
}

// SendError pushes an error event to c, bypassing authentication and rate
// limiting. Failures are logged only.
func (b *Broker) SendError(ctx context.Context, c *Connection, code, message string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	b.writeErrorLocked(ctx, c, code, message)
}

func (b *Broker) writeErrorLocked(ctx context.Context, c *Connection, code, message string) {
	data, err := json.Marshal(event.New(c.SessionID, event.Error{ErrorCode: code, Message: message}))
	if err == nil {
		err = b.write(ctx, c, data)
	}
	if err != nil {
		b.logger.Debug("failed to send error event",
			zap.String("connection_id", c.ID),
			zap.String("error_code", code),
			zap.Error(err))
	}
}

// write performs one bounded transport write; callers hold c.sendMu
func (b *Broker) write(ctx context.Context, c *Connection, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	return c.transport.Write(wctx, data)
}

// Delivery reports the outcome of a publish
type Delivery struct {
	Delivered int // connections that received the event
	Queued    int // sessions the event was queued for
}

// Publish delivers evt to every live authenticated connection of sessionID
// and returns how many received it. When none did, the event is queued for
// later replay. The wildcard session fans out to every session that holds a
// connection at call time.
func (b *Broker) Publish(ctx context.Context, sessionID string, evt *event.Event) int {
	return b.Deliver(ctx, sessionID, evt).Delivered
}

// Deliver is Publish reporting queued sessions as well
func (b *Broker) Deliver(ctx context.Context, sessionID string, evt *event.Event) Delivery {
	scope := b.tracer.Start(ctx, cnst.SpanPublish).WithAttrs(
		attribute.String(cnst.AttrSessionID, sessionID),
		attribute.String(cnst.AttrEventType, evt.Kind().String()),
	)
	defer scope.End()

	var d Delivery
	add := func(n int, queued bool) {
		d.Delivered += n
		if queued {
			d.Queued++
		}
	}
	if sessionID == cnst.WildcardSession {
		for _, sid := range b.registry.Sessions() {
			add(b.publishSession(scope.Ctx, sid, evt.WithSession(sid)))
		}
	} else {
		if evt.SessionID != sessionID {
			evt = evt.WithSession(sessionID)
		}
		add(b.publishSession(scope.Ctx, sessionID, evt))
	}
	scope.WithAttrs(attribute.Int(cnst.AttrDelivered, d.Delivered))
	return d
}

// Emit wraps data in an event for sessionID and publishes it
func (b *Broker) Emit(ctx context.Context, sessionID string, data event.Payload) int {
	return b.Publish(ctx, sessionID, event.New(sessionID, data))
}

// publishSession holds the session lock from the first send through the
// fallback enqueue, so an authentication racing it either receives the
// event live or drains it from the queue
func (b *Broker) publishSession(ctx context.Context, sessionID string, evt *event.Event) (int, bool) {
	unlock := b.sessions.Lock(sessionID)
	defer unlock()

	conns := b.registry.ConnectionsFor(sessionID)

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			err := b.Send(ctx, c, evt)
			if err == nil {
				delivered.Add(1)
				return
			}
			if !errors.Is(err, cnst.ErrNotAuthenticated) {
				b.logger.Debug("publish to connection failed",
					zap.String("session_id", sessionID),
					zap.String("connection_id", c.ID),
					zap.Error(err))
			}
		}(c)
	}
	wg.Wait()

	n := int(delivered.Load())
	if n == 0 {
		return 0, b.enqueue(ctx, sessionID, evt)
	}
	return n, false
}

func (b *Broker) enqueue(ctx context.Context, sessionID string, evt *event.Event) bool {
	if err := b.queue.Enqueue(ctx, sessionID, evt); err != nil {
		b.logger.Error("failed to queue event",
			zap.String("session_id", sessionID),
			zap.String("type", evt.Kind().String()),
			zap.Error(err))
		return false
	}
	b.stats.messagesQueued.Add(1)
	b.metrics.MessageQueued(evt.Kind().String())
	b.logger.Debug("queued event for offline session",
		zap.String("session_id", sessionID),
		zap.String("type", evt.Kind().String()))
	return true
}

// Close closes the transport with code and reason, then disconnects c
func (b *Broker) Close(c *Connection, code int, reason string) {
	if err := c.transport.Close(code, reason); err != nil {
		b.logger.Debug("failed to close transport",
			zap.String("connection_id", c.ID),
			zap.Error(err))
	}
	b.Disconnect(c)
}

// Disconnect removes c from the registry and limiter. It is idempotent.
func (b *Broker) Disconnect(c *Connection) {
	if _, ok := b.registry.Remove(c.ID); !ok {
		return
	}
	b.limiter.Forget(c.ID)
	b.metrics.ConnectionClosed()
	b.logger.Info("realtime connection closed",
		zap.String("session_id", c.SessionID),
		zap.String("connection_id", c.ID),
		zap.Int("active", b.registry.Len()))
}
