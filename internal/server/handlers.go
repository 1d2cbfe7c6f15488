package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/amoylab/pulsegate/internal/upstream"
	"github.com/amoylab/pulsegate/pkg/utils"
	"github.com/amoylab/pulsegate/pkg/version"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   cnst.AppName,
		"version":   version.Get(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Stats(c.Request.Context()))
}

// PublishRequest is the body of POST /api/events
type PublishRequest struct {
	Type      string          `json:"type" binding:"required"`
	SessionID string          `json:"session_id" binding:"required"`
	Data      json.RawMessage `json:"data"`
}

// handlePublish lets backend services push an event to a session or to "*"
func (s *Server) handlePublish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := event.ParseKind(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := event.DecodePayload(kind, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := s.broker.Deliver(c.Request.Context(), req.SessionID, event.New(req.SessionID, payload))
	c.JSON(http.StatusOK, gin.H{
		"session_id": req.SessionID,
		"delivered":  res.Delivered,
		"queued":     res.Queued > 0,
	})
}

// handleChatStream relays a chat request to the orchestrator while streaming
// its deltas to the session's realtime clients
func (s *Server) handleChatStream(c *gin.Context) {
	var req upstream.ChatRequest
	sessionID, ok := s.bindSessionRequest(c, (*map[string]any)(&req))
	if !ok {
		return
	}

	res, err := s.upstream.ChatStream(c.Request.Context(), sessionID, req)
	if err != nil {
		s.upstreamError(c, "chat stream", sessionID, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// handleExecuteTool relays a tool call while streaming its progress
func (s *Server) handleExecuteTool(c *gin.Context) {
	var req upstream.ToolRequest
	sessionID, ok := s.bindSessionRequest(c, (*map[string]any)(&req))
	if !ok {
		return
	}

	res, err := s.upstream.ExecuteTool(c.Request.Context(), sessionID, req)
	if err != nil {
		s.upstreamError(c, "tool execution", sessionID, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// bindSessionRequest decodes a free-form JSON body and extracts the session id
// from it or from the query string
func (s *Server) bindSessionRequest(c *gin.Context, body *map[string]any) (string, bool) {
	if err := c.ShouldBindJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	bodySession, _ := (*body)["session_id"].(string)
	sessionID := utils.FirstNonEmpty(bodySession, c.Query("session_id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return "", false
	}
	return sessionID, true
}

func (s *Server) upstreamError(c *gin.Context, op, sessionID string, err error) {
	s.logger.Error(op+" failed",
		zap.String("session_id", sessionID),
		zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}
