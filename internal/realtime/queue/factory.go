package queue

import (
	"context"
	"fmt"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"go.uber.org/zap"
)

// NewStore creates a queue store based on configuration
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.QueueConfig) (Store, error) {
	logger.Info("Initializing queue store",
		zap.String("type", cfg.Type),
		zap.Int("capacity", cfg.MaxQueuedMessages),
		zap.Duration("ttl", cfg.MessageTTL))

	opts := Options{Capacity: cfg.MaxQueuedMessages, TTL: cfg.MessageTTL}
	switch cfg.Type {
	case cnst.QueueTypeMemory, "":
		return NewMemoryStore(logger, opts), nil
	case cnst.QueueTypeRedis:
		return NewRedisStore(ctx, logger, cfg.Redis, opts)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedQueueType, cfg.Type)
	}
}
