package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/realtime/broker"
	"github.com/amoylab/pulsegate/internal/realtime/event"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ifuryst/lol"
	"go.uber.org/zap"
)

// handleWebSocket upgrades a realtime client, runs the auth handshake and then
// serves inbound frames until the socket closes
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	ctx := c.Request.Context()
	t := newWSTransport(c.Writer, c.Request, &s.upgrader)
	conn, err := s.broker.Connect(ctx, t, sessionID, map[string]string{
		"user_agent":  c.Request.UserAgent(),
		"remote_addr": c.ClientIP(),
	})
	if err != nil {
		s.logger.Warn("realtime connection rejected",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	defer s.broker.Close(conn, cnst.CloseNormal, "")

	ws := t.socket()
	ws.SetReadLimit(s.cfg.Broker.MaxMessageSize)

	if !s.handshake(ctx, conn, ws, sessionID) {
		return
	}
	s.serve(ctx, conn, ws)
}

// handshake waits for the auth frame; it reports whether the connection is
// authenticated. Every failure closes the connection.
func (s *Server) handshake(ctx context.Context, conn *broker.Connection, ws *websocket.Conn, sessionID string) bool {
	_ = ws.SetReadDeadline(time.Now().Add(s.authTimeout()))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.broker.RejectAuthentication(conn, cnst.ReasonAuthTimeout)
		} else {
			s.logger.Debug("realtime client left during handshake",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		return false
	}

	frame, err := event.ParseClientFrame(raw)
	switch {
	case err != nil:
		s.broker.RejectAuthentication(conn, cnst.ReasonInvalidJSON)
		return false
	case frame.Type != event.FrameAuth:
		s.broker.RejectAuthentication(conn, cnst.ReasonAuthRequired)
		return false
	case frame.APIKey == "":
		s.broker.RejectAuthentication(conn, cnst.ReasonAPIKeyRequired)
		return false
	}
	if frame.SessionID != "" && frame.SessionID != sessionID {
		s.logger.Warn("auth frame names a different session, keeping the connection's",
			zap.String("session_id", sessionID),
			zap.String("frame_session_id", frame.SessionID))
	}

	if err := s.broker.Authenticate(ctx, conn, frame.APIKey, s.verifier); err != nil {
		s.logger.Warn("realtime authentication failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false
	}
	_ = ws.SetReadDeadline(time.Time{})
	return true
}

// serve dispatches post-auth client frames until a read fails
func (s *Server) serve(ctx context.Context, conn *broker.Connection, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime read failed",
					zap.String("connection_id", conn.ID),
					zap.Error(err))
			}
			return
		}
		s.broker.Touch(conn)

		frame, err := event.ParseClientFrame(raw)
		if err != nil {
			s.broker.SendError(ctx, conn, cnst.ErrorCodeInvalidJSON, "Invalid JSON format")
			continue
		}

		switch frame.Type {
		case event.FramePing:
			if err := s.broker.Send(ctx, conn, event.New(conn.SessionID, event.Pong{})); errors.Is(err, cnst.ErrConnectionClosed) {
				return
			}
		case event.FrameSubscribe, event.FrameUnsubscribe:
			types := lol.UniqSlice(frame.Types)
			s.logger.Info("realtime subscription change",
				zap.String("connection_id", conn.ID),
				zap.String("action", frame.Type),
				zap.Strings("types", types))
		default:
			s.broker.SendError(ctx, conn, cnst.ErrorCodeUnknownMessageType, "Unknown message type: "+frame.Type)
		}
	}
}

func (s *Server) authTimeout() time.Duration {
	if s.cfg.Broker.AuthTimeout > 0 {
		return s.cfg.Broker.AuthTimeout
	}
	return 10 * time.Second
}
