package broker

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats is a snapshot of broker counters
type Stats struct {
	TotalConnections             int64   `json:"total_connections"`
	ActiveConnections            int     `json:"active_connections"`
	MessagesSent                 int64   `json:"messages_sent"`
	MessagesQueued               int64   `json:"messages_queued"`
	RateLimitViolations          int64   `json:"rate_limit_violations"`
	AuthenticationFailures       int64   `json:"authentication_failures"`
	ActiveSessions               int     `json:"active_sessions"`
	QueuedMessagesTotal          int     `json:"queued_messages_total"`
	AverageMessagesPerConnection float64 `json:"average_messages_per_connection"`
}

type counters struct {
	totalConnections    atomic.Int64
	messagesSent        atomic.Int64
	messagesQueued      atomic.Int64
	rateLimitViolations atomic.Int64
	authFailures        atomic.Int64
}

// Stats returns current counters; it has no side effects
func (b *Broker) Stats(ctx context.Context) Stats {
	queued, err := b.queue.Total(ctx)
	if err != nil {
		b.logger.Warn("failed to count queued messages", zap.Error(err))
	}

	total := b.stats.totalConnections.Load()
	sent := b.stats.messagesSent.Load()
	return Stats{
		TotalConnections:             total,
		ActiveConnections:            b.registry.Len(),
		MessagesSent:                 sent,
		MessagesQueued:               b.stats.messagesQueued.Load(),
		RateLimitViolations:          b.stats.rateLimitViolations.Load(),
		AuthenticationFailures:       b.stats.authFailures.Load(),
		ActiveSessions:               b.registry.SessionCount(),
		QueuedMessagesTotal:          queued,
		AverageMessagesPerConnection: float64(sent) / float64(max(1, total)),
	}
}
