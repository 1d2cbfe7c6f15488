package broker

import (
	"sync"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
)

// Connection is one live realtime client. The registry owns the mutable
// bookkeeping fields; the broker owns the transport and send lock.
type Connection struct {
	ID          string
	SessionID   string
	ClientInfo  map[string]string
	ConnectedAt time.Time

	transport Transport
	// sendMu serializes writes to the transport
	sendMu sync.Mutex

	// guarded by Registry.mu
	authenticated bool
	lastActivity  time.Time
	messageCount  int64
}

// ConnectionInfo is a point-in-time copy of a connection's bookkeeping
type ConnectionInfo struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	ClientInfo    map[string]string `json:"client_info,omitempty"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastActivity  time.Time         `json:"last_activity"`
	MessageCount  int64             `json:"message_count"`
	Authenticated bool              `json:"authenticated"`
}

// Registry tracks live connections and their session membership. A session
// key exists only while at least one connection belongs to it.
type Registry struct {
	mu            sync.RWMutex
	maxPerSession int
	now           func() time.Time
	conns         map[string]*Connection
	sessions      map[string]map[string]*Connection
}

// NewRegistry creates a registry allowing maxPerSession connections per session
func NewRegistry(maxPerSession int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		maxPerSession: maxPerSession,
		now:           now,
		conns:         make(map[string]*Connection),
		sessions:      make(map[string]map[string]*Connection),
	}
}

// Add registers c as unauthenticated, failing when its session is full
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.sessions[c.SessionID]
	if len(members) >= r.maxPerSession {
		return cnst.ErrCapacityExceeded
	}
	if members == nil {
		members = make(map[string]*Connection)
		r.sessions[c.SessionID] = members
	}

	now := r.now()
	c.ConnectedAt = now
	c.lastActivity = now
	c.authenticated = false
	members[c.ID] = c
	r.conns[c.ID] = c
	return nil
}

// Remove drops a connection; the second return is false when it was not present
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if members := r.sessions[c.SessionID]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(r.sessions, c.SessionID)
		}
	}
	return c, true
}

// Get returns the live connection with the given handle
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// MarkAuthenticated flags the connection as authenticated and touches it
func (r *Registry) MarkAuthenticated(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.authenticated = true
	c.lastActivity = r.now()
	return true
}

// IsAuthenticated reports whether id is live and authenticated
func (r *Registry) IsAuthenticated(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return ok && c.authenticated
}

// Touch updates the last-activity time of a connection
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.lastActivity = r.now()
	}
}

// RecordSent counts a delivered event and touches the connection
func (r *Registry) RecordSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.messageCount++
		c.lastActivity = r.now()
	}
}

// ConnectionsFor returns a snapshot of the session's connections
func (r *Registry) ConnectionsFor(sessionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.sessions[sessionID]
	out := make([]*Connection, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Authenticated returns a snapshot of every authenticated connection
func (r *Registry) Authenticated() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.authenticated {
			out = append(out, c)
		}
	}
	return out
}

// All returns a snapshot of every connection
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IdleLongerThan returns connections whose last activity is older than timeout
func (r *Registry) IdleLongerThan(timeout time.Duration) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []*Connection
	for _, c := range r.conns {
		if now.Sub(c.lastActivity) > timeout {
			out = append(out, c)
		}
	}
	return out
}

// Sessions returns a snapshot of the session ids holding connections
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Info returns a copy of the connection's bookkeeping
func (r *Registry) Info(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return ConnectionInfo{
		ID:            c.ID,
		SessionID:     c.SessionID,
		ClientInfo:    c.ClientInfo,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		MessageCount:  c.messageCount,
		Authenticated: c.authenticated,
	}, true
}

// Len returns the number of live connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SessionCount returns the number of sessions holding connections
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
