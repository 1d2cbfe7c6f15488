// Package queue buffers events for sessions that have no reachable
// connection and replays them on the next successful authentication.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/amoylab/pulsegate/internal/realtime/event"
)

// Store holds per-session offline queues
type Store interface {
	// Enqueue appends evt to the session queue, dropping the oldest entry when full
	Enqueue(ctx context.Context, sessionID string, evt *event.Event) error
	// Drain removes and returns every unexpired entry ordered by priority
	// then recency, both descending
	Drain(ctx context.Context, sessionID string) ([]*event.Event, error)
	// PurgeExpired drops expired entries from the front of every queue and
	// returns how many were removed
	PurgeExpired(ctx context.Context) (int, error)
	// Len returns the number of entries held for a session
	Len(ctx context.Context, sessionID string) (int, error)
	// Total returns the number of entries held across all sessions
	Total(ctx context.Context) (int, error)
	// Close releases backend resources
	Close() error
}

// Options control queue capacity and expiry
type Options struct {
	Capacity int
	TTL      time.Duration
	// Now is the clock used for queued-at stamps and expiry, time.Now when nil
	Now func() time.Time
}

const (
	DefaultCapacity = 1000
	DefaultTTL      = time.Hour
)

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

type entry struct {
	evt      *event.Event
	queuedAt time.Time
}

func (e entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.queuedAt) > ttl
}

// sortForReplay orders entries by priority, then by queued-at, both descending
func sortForReplay(entries []entry) []*event.Event {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].evt.Priority(), entries[j].evt.Priority()
		if pi != pj {
			return pi > pj
		}
		return entries[i].queuedAt.After(entries[j].queuedAt)
	})
	out := make([]*event.Event, len(entries))
	for i, e := range entries {
		out[i] = e.evt
	}
	return out
}
