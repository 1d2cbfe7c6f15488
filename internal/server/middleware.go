package server

import (
	"net/http"
	"time"

	"github.com/amoylab/pulsegate/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// requestIDMiddleware keeps a caller supplied request id or mints one
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// loggerMiddleware logs one line per request. Probe endpoints log at debug
// so they do not drown the access log.
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	quiet := map[string]bool{
		pathHealthCheck:    true,
		s.cfg.Metrics.Path: true,
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("latency", time.Since(start)),
		}
		if sid := c.Query("session_id"); sid != "" {
			fields = append(fields, zap.String("session_id", sid))
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, zap.String("errors", errs.String()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			s.logger.Error("request failed", fields...)
		case quiet[c.Request.URL.Path]:
			s.logger.Debug("request served", fields...)
		default:
			s.logger.Info("request served", fields...)
		}
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("request_id", c.GetString(ctxRequestID)),
					zap.String("path", c.Request.URL.Path),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// authMiddleware guards the publish and relay endpoints with the shared key
func (s *Server) authMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authenticator.Authenticate(c.Request.Context(), c.Request); err != nil {
			s.logger.Warn("api request rejected",
				zap.String("request_id", c.GetString(ctxRequestID)),
				zap.String("route", c.FullPath()),
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}
