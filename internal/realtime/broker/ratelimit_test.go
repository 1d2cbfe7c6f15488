package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBlocksForOneWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(3, time.Minute, clock.Now)
	l.Reset("c1")

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("c1"), "message %d", i+1)
	}
	assert.False(t, l.Allow("c1"))

	clock.Advance(30 * time.Second)
	assert.False(t, l.Allow("c1"), "still blocked")

	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("c1"), "block lifted after one window")
}

func TestRateLimiterWindowRolls(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(2, time.Minute, clock.Now)

	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))

	clock.Advance(time.Minute)
	assert.True(t, l.Allow("c1"))
	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
}

func TestRateLimiterIsPerConnection(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(1, time.Minute, clock.Now)

	assert.True(t, l.Allow("c1"))
	assert.False(t, l.Allow("c1"))
	assert.True(t, l.Allow("c2"))
	assert.Equal(t, 2, l.Len())

	l.Forget("c1")
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.Allow("c1"))
}
