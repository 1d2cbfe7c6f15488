package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWriteWait = time.Second

var errNotAccepted = errors.New("websocket not accepted")

// wsTransport adapts a gorilla websocket to broker.Transport. The upgrade is
// deferred to Accept so a rejected connection can still receive a close frame.
type wsTransport struct {
	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSTransport(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) *wsTransport {
	return &wsTransport{w: w, r: r, upgrader: upgrader}
}

func (t *wsTransport) upgradeLocked() error {
	if t.conn != nil {
		return nil
	}
	conn, err := t.upgrader.Upgrade(t.w, t.r, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

// Accept upgrades the HTTP request
func (t *wsTransport) Accept(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upgradeLocked()
}

// Write sends one text frame, bounded by the context deadline
func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	conn := t.socket()
	if conn == nil {
		return errNotAccepted
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the socket. A transport that was
// never accepted is upgraded first so the client sees the close reason.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.upgradeLocked(); err != nil {
		return err
	}
	msg := websocket.FormatCloseMessage(code, reason)
	werr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	if err := t.conn.Close(); err != nil {
		return err
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return nil
}

func (t *wsTransport) socket() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}
