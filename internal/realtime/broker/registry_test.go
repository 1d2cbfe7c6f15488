package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(id, session string) *Connection {
	return &Connection{ID: id, SessionID: session, transport: &fakeTransport{}}
}

func TestRegistryAddRemove(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(2, clock.Now)

	require.NoError(t, r.Add(newConn("c1", "s1")))
	require.NoError(t, r.Add(newConn("c2", "s1")))
	assert.ErrorIs(t, r.Add(newConn("c3", "s1")), cnst.ErrCapacityExceeded)
	require.NoError(t, r.Add(newConn("c4", "s2")))

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.SessionCount())
	assert.Len(t, r.ConnectionsFor("s1"), 2)

	_, ok := r.Remove("c1")
	assert.True(t, ok)
	_, ok = r.Remove("c1")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"s1", "s2"}, r.Sessions())

	r.Remove("c2")
	assert.ElementsMatch(t, []string{"s2"}, r.Sessions())
	assert.Empty(t, r.ConnectionsFor("s1"))
}

func TestRegistryAuthenticationAndActivity(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(5, clock.Now)
	require.NoError(t, r.Add(newConn("c1", "s1")))
	require.NoError(t, r.Add(newConn("c2", "s1")))

	assert.False(t, r.IsAuthenticated("c1"))
	assert.Empty(t, r.Authenticated())

	clock.Advance(time.Minute)
	assert.True(t, r.MarkAuthenticated("c1"))
	assert.False(t, r.MarkAuthenticated("missing"))
	assert.True(t, r.IsAuthenticated("c1"))
	assert.Len(t, r.Authenticated(), 1)

	r.RecordSent("c1")
	r.RecordSent("c1")
	info, ok := r.Info("c1")
	require.True(t, ok)
	assert.Equal(t, int64(2), info.MessageCount)
	assert.True(t, info.Authenticated)
	assert.Equal(t, clock.Now(), info.LastActivity)
	assert.Equal(t, clock.Now().Add(-time.Minute), info.ConnectedAt)

	clock.Advance(5 * time.Minute)
	idle := r.IdleLongerThan(5 * time.Minute)
	require.Len(t, idle, 1)
	assert.Equal(t, "c2", idle[0].ID)

	r.Touch("c2")
	assert.Empty(t, r.IdleLongerThan(5*time.Minute))

	_, ok = r.Info("missing")
	assert.False(t, ok)
}

func TestRegistryCapacityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a session never holds more than the limit", prop.ForAll(
		func(limit int, attempts []int) bool {
			r := NewRegistry(limit, nil)
			for i, s := range attempts {
				session := string(rune('a' + s))
				before := len(r.ConnectionsFor(session))
				err := r.Add(newConn(fmt.Sprintf("c%d", i), session))
				if (before < limit) != (err == nil) {
					return false
				}
			}
			for _, s := range r.Sessions() {
				n := len(r.ConnectionsFor(s))
				if n == 0 || n > limit {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
