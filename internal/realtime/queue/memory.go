package queue

import (
	"context"
	"sync"

	"github.com/amoylab/pulsegate/internal/realtime/event"
	"go.uber.org/zap"
)

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full
type ring struct {
	buf  []entry
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]entry, capacity)}
}

// push appends e and reports whether the oldest entry was dropped
func (r *ring) push(e entry) bool {
	if r.size == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = e
	r.size++
	return false
}

func (r *ring) front() (entry, bool) {
	if r.size == 0 {
		return entry{}, false
	}
	return r.buf[r.head], true
}

func (r *ring) popFront() {
	if r.size == 0 {
		return
	}
	r.buf[r.head] = entry{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
}

// items returns the entries oldest first
func (r *ring) items() []entry {
	out := make([]entry, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// MemoryStore implements Store with one ring buffer per session
type MemoryStore struct {
	logger *zap.Logger
	opts   Options
	mu     sync.Mutex
	queues map[string]*ring
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory queue store
func NewMemoryStore(logger *zap.Logger, opts Options) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("queue.store.memory"),
		opts:   opts.withDefaults(),
		queues: make(map[string]*ring),
	}
}

// Enqueue implements Store.Enqueue
func (s *MemoryStore) Enqueue(_ context.Context, sessionID string, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[sessionID]
	if !ok {
		q = newRing(s.opts.Capacity)
		s.queues[sessionID] = q
	}
	if dropped := q.push(entry{evt: evt, queuedAt: s.opts.now()}); dropped {
		s.logger.Debug("queue full, dropped oldest event",
			zap.String("session_id", sessionID))
	}
	return nil
}

// Drain implements Store.Drain
func (s *MemoryStore) Drain(_ context.Context, sessionID string) ([]*event.Event, error) {
	s.mu.Lock()
	q, ok := s.queues[sessionID]
	delete(s.queues, sessionID)
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	now := s.opts.now()
	live := make([]entry, 0, q.size)
	for _, e := range q.items() {
		if !e.expired(now, s.opts.TTL) {
			live = append(live, e)
		}
	}
	return sortForReplay(live), nil
}

// PurgeExpired implements Store.PurgeExpired
func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.now()
	purged := 0
	for sessionID, q := range s.queues {
		for {
			e, ok := q.front()
			if !ok || !e.expired(now, s.opts.TTL) {
				break
			}
			q.popFront()
			purged++
		}
		if q.size == 0 {
			delete(s.queues, sessionID)
		}
	}
	return purged, nil
}

// Len implements Store.Len
func (s *MemoryStore) Len(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[sessionID]; ok {
		return q.size, nil
	}
	return 0, nil
}

// Total implements Store.Total
func (s *MemoryStore) Total(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, q := range s.queues {
		total += q.size
	}
	return total, nil
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = make(map[string]*ring)
	return nil
}
