package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectRequiresSession(t *testing.T) {
	env := newTestEnv(t, nil)
	tr := &fakeTransport{}

	_, err := env.broker.Connect(context.Background(), tr, "", nil)
	assert.ErrorIs(t, err, cnst.ErrMissingSessionID)
	assert.Equal(t, 0, env.broker.Registry().Len())
	assert.False(t, tr.accepted)
}

func TestConnectEnforcesSessionCapacity(t *testing.T) {
	env := newTestEnv(t, func(c *config.BrokerConfig) { c.MaxConnectionsPerSession = 2 })

	env.connect(t, "s1")
	env.connect(t, "s1")

	tr := &fakeTransport{}
	_, err := env.broker.Connect(context.Background(), tr, "s1", nil)
	require.ErrorIs(t, err, cnst.ErrCapacityExceeded)

	closed, code, reason := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.ClosePolicyViolation, code)
	assert.Equal(t, cnst.ReasonConnectionLimit, reason)
	assert.False(t, tr.accepted)

	stats := env.broker.Stats(context.Background())
	assert.Equal(t, int64(2), stats.TotalConnections)
	assert.Equal(t, 2, stats.ActiveConnections)

	_, err = env.broker.Connect(context.Background(), &fakeTransport{}, "s2", nil)
	assert.NoError(t, err)
}

func TestConnectAcceptFailureUnregisters(t *testing.T) {
	env := newTestEnv(t, nil)
	tr := &fakeTransport{acceptErr: errors.New("handshake failed")}

	_, err := env.broker.Connect(context.Background(), tr, "s1", nil)
	require.Error(t, err)
	assert.Equal(t, 0, env.broker.Registry().Len())
	assert.Equal(t, 0, env.broker.Registry().SessionCount())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	c1, _ := env.connect(t, "s1")
	c2, _ := env.connect(t, "s1")

	env.broker.Disconnect(c1)
	env.broker.Disconnect(c1)
	assert.Equal(t, 1, env.broker.Registry().Len())
	assert.Equal(t, 1, env.broker.Registry().SessionCount())

	env.broker.Disconnect(c2)
	assert.Equal(t, 0, env.broker.Registry().SessionCount())
}

func TestAuthenticateRejectsInvalidKey(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tr := env.connect(t, "s1")

	err := env.broker.Authenticate(context.Background(), c, "wrong", testVerifier)
	require.ErrorIs(t, err, cnst.ErrAuthenticationFailed)

	frames := tr.received(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)
	assert.Equal(t, cnst.ErrorCodeAuthFailed, frames[0].Data["error_code"])
	assert.Equal(t, cnst.ReasonInvalidAPIKey, frames[0].Data["message"])

	closed, code, _ := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.ClosePolicyViolation, code)
	assert.Equal(t, 0, env.broker.Registry().Len())
	assert.Equal(t, int64(1), env.broker.Stats(context.Background()).AuthenticationFailures)
}

func TestRejectAuthenticationCountsFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tr := env.connect(t, "s1")

	env.broker.RejectAuthentication(c, cnst.ReasonAuthTimeout)

	closed, code, reason := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.ClosePolicyViolation, code)
	assert.Equal(t, cnst.ReasonAuthTimeout, reason)
	assert.Equal(t, int64(1), env.broker.Stats(context.Background()).AuthenticationFailures)
}

func TestSendRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tr := env.connect(t, "s1")

	err := env.broker.Send(context.Background(), c, event.New("s1", event.Pong{}))
	assert.ErrorIs(t, err, cnst.ErrNotAuthenticated)
	assert.Empty(t, tr.received(t))
}

func TestSendRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *config.BrokerConfig) {
		c.MessageRateLimit = 3
		c.RateLimitWindow = time.Minute
	})
	c, tr := env.connectAuthed(t, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, env.broker.Send(ctx, c, event.New("s1", event.ChatStream{Delta: "x"})))
	}
	err := env.broker.Send(ctx, c, event.New("s1", event.ChatStream{Delta: "x"}))
	require.ErrorIs(t, err, cnst.ErrRateLimited)

	frames := tr.received(t)
	require.Len(t, frames, 4)
	assert.Equal(t, "error", frames[3].Type)
	assert.Equal(t, cnst.ErrorCodeRateLimited, frames[3].Data["error_code"])

	stats := env.broker.Stats(ctx)
	assert.Equal(t, int64(1), stats.RateLimitViolations)
	assert.Equal(t, int64(3), stats.MessagesSent)

	env.clock.Advance(time.Minute)
	assert.NoError(t, env.broker.Send(ctx, c, event.New("s1", event.Pong{})))
}

func TestSendWriteFailureDropsConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	c, tr := env.connectAuthed(t, "s1")
	tr.setFailWrites(true)

	err := env.broker.Send(context.Background(), c, event.New("s1", event.Pong{}))
	require.ErrorIs(t, err, cnst.ErrConnectionClosed)

	closed, code, _ := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, cnst.CloseGoingAway, code)
	assert.Equal(t, 0, env.broker.Registry().Len())
}

func TestPublishQueuesForOfflineSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	assert.Zero(t, env.broker.Emit(ctx, "s1", event.ChatStream{Delta: "hello"}))
	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats := env.broker.Stats(ctx)
	assert.Equal(t, int64(1), stats.MessagesQueued)
	assert.Equal(t, 1, stats.QueuedMessagesTotal)
}

func TestPublishSkipsUnauthenticatedConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, tr := env.connect(t, "s1")

	assert.Zero(t, env.broker.Emit(ctx, "s1", event.Pong{}))
	assert.Empty(t, tr.received(t))
	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublishFansOutToSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, tr1 := env.connectAuthed(t, "s1")
	_, tr2 := env.connectAuthed(t, "s1")
	_, other := env.connectAuthed(t, "s2")

	assert.Equal(t, 2, env.broker.Emit(ctx, "s1", event.ChatStream{Delta: "hi"}))
	assert.Equal(t, []string{"chat_stream"}, tr1.types(t))
	assert.Equal(t, []string{"chat_stream"}, tr2.types(t))
	assert.Empty(t, other.received(t))

	n, err := env.queue.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishPartialFailureDoesNotQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, ok := env.connectAuthed(t, "s1")
	_, broken := env.connectAuthed(t, "s1")
	broken.setFailWrites(true)

	assert.Equal(t, 1, env.broker.Emit(ctx, "s1", event.Pong{}))
	assert.Len(t, ok.received(t), 1)
	assert.Equal(t, 1, env.broker.Registry().Len())

	n, err := env.queue.Total(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPublishRewritesSessionID(t *testing.T) {
	env := newTestEnv(t, nil)
	_, tr := env.connectAuthed(t, "s1")

	assert.Equal(t, 1, env.broker.Publish(context.Background(), "s1", event.New("other", event.Pong{})))
	frames := tr.received(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "s1", frames[0].SessionID)
}

func TestPublishWildcard(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, a := env.connectAuthed(t, "a")
	_, b := env.connectAuthed(t, "b")
	env.connect(t, "c")

	status := event.SystemStatus{OverallStatus: "healthy"}
	assert.Equal(t, 2, env.broker.Emit(ctx, cnst.WildcardSession, status))

	fa := a.received(t)
	fb := b.received(t)
	require.Len(t, fa, 1)
	require.Len(t, fb, 1)
	assert.Equal(t, "a", fa[0].SessionID)
	assert.Equal(t, "b", fb[0].SessionID)

	// the session with only an unauthenticated connection keeps it for later
	n, err := env.queue.Len(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.queue.Len(ctx, cnst.WildcardSession)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverReportsQueuedSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	d := env.broker.Deliver(ctx, cnst.WildcardSession, event.New(cnst.WildcardSession, event.SystemStatus{}))
	assert.Equal(t, Delivery{}, d)

	d = env.broker.Deliver(ctx, "offline", event.New("offline", event.CostUpdate{}))
	assert.Equal(t, Delivery{Delivered: 0, Queued: 1}, d)

	env.connectAuthed(t, "s1")
	env.connect(t, "s2")
	d = env.broker.Deliver(ctx, cnst.WildcardSession, event.New(cnst.WildcardSession, event.SystemStatus{}))
	assert.Equal(t, Delivery{Delivered: 1, Queued: 1}, d)
}

func TestAuthenticateReplaysQueueByPriority(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.broker.Emit(ctx, "s1", event.ChatStream{Delta: "first"})
	env.clock.Advance(time.Second)
	env.broker.Emit(ctx, "s1", event.SystemStatus{OverallStatus: "degraded"})
	env.clock.Advance(time.Second)
	env.broker.Emit(ctx, "s1", event.ChatStream{Delta: "second"})
	env.clock.Advance(time.Second)
	env.broker.Emit(ctx, "s1", event.CostUpdate{CurrentCost: 1.5})

	_, tr := env.connectAuthed(t, "s1")

	frames := tr.received(t)
	require.Len(t, frames, 4)
	assert.Equal(t, "system_status", frames[0].Type)
	assert.Equal(t, "cost_update", frames[1].Type)
	assert.Equal(t, "second", frames[2].Data["delta"])
	assert.Equal(t, "first", frames[3].Data["delta"])

	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	// live events follow the replay
	env.broker.Emit(ctx, "s1", event.Pong{})
	assert.Equal(t, "pong", tr.types(t)[4])
}

func TestReplayDropsUndelivered(t *testing.T) {
	env := newTestEnv(t, func(c *config.BrokerConfig) { c.MessageRateLimit = 2 })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.broker.Emit(ctx, "s1", event.ChatStream{Delta: "x"})
	}

	_, tr := env.connectAuthed(t, "s1")
	assert.Equal(t, []string{"chat_stream", "chat_stream", "error"}, tr.types(t))

	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatsAverage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	assert.Zero(t, env.broker.Stats(ctx).AverageMessagesPerConnection)

	env.connectAuthed(t, "s1")
	env.connectAuthed(t, "s2")
	env.broker.Emit(ctx, "s1", event.Pong{})
	env.broker.Emit(ctx, "s1", event.Pong{})
	env.broker.Emit(ctx, "s2", event.Pong{})

	stats := env.broker.Stats(ctx)
	assert.Equal(t, int64(3), stats.MessagesSent)
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.InDelta(t, 1.5, stats.AverageMessagesPerConnection, 1e-9)
}

func TestAuthenticateDuringFallbackEnqueueReceivesEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	store := newGatedStore(env.queue)
	env.broker = New(zap.NewNop(), config.BrokerConfig{}, store, WithClock(env.clock.Now))
	ctx := context.Background()

	c, tr := env.connect(t, "s1")

	published := make(chan int, 1)
	go func() { published <- env.broker.Emit(ctx, "s1", event.CostUpdate{CurrentCost: 3}) }()
	<-store.entered

	authed := make(chan error, 1)
	go func() { authed <- env.broker.Authenticate(ctx, c, testKey, testVerifier) }()
	select {
	case err := <-authed:
		close(store.release)
		<-published
		t.Fatalf("authentication completed while the fallback enqueue was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	assert.Zero(t, <-published)
	require.NoError(t, <-authed)

	assert.Equal(t, []string{"cost_update"}, tr.types(t))
	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, env.broker.sessions.Len())
}

func TestSessionDeliveryLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a, trA := env.connectAuthed(t, "s1")
	b, trB := env.connect(t, "s1")

	assert.Equal(t, 1, env.broker.Emit(ctx, "s1", event.CostUpdate{CurrentCost: 1}))
	assert.Equal(t, []string{"cost_update"}, trA.types(t))
	assert.Empty(t, trB.received(t))
	assert.Equal(t, int64(1), env.broker.Stats(ctx).MessagesSent)
	n, err := env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)

	env.broker.Disconnect(a)
	assert.Zero(t, env.broker.Emit(ctx, "s1", event.CostUpdate{CurrentCost: 2}))
	n, err = env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, env.broker.Authenticate(ctx, b, testKey, testVerifier))
	frames := trB.received(t)
	require.Len(t, frames, 1)
	assert.Equal(t, "cost_update", frames[0].Type)
	assert.InDelta(t, 2.0, frames[0].Data["current_cost"], 1e-9)
	n, err = env.queue.Len(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
