package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/event"
	"github.com/amoylab/pulsegate/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore implements Store with one redis list per session. Lists are
// appended at the tail, so the head always holds the oldest entry.
type RedisStore struct {
	logger *zap.Logger
	client redis.UniversalClient
	prefix string
	opts   Options
}

var _ Store = (*RedisStore)(nil)

type redisEntry struct {
	QueuedAt int64           `json:"queued_at"` // unix nanoseconds
	Event    json.RawMessage `json:"event"`
}

// NewRedisStore creates a new Redis-based queue store
func NewRedisStore(ctx context.Context, logger *zap.Logger, cfg config.QueueRedisConfig, opts Options) (*RedisStore, error) {
	redisOptions := &redis.UniversalOptions{
		Addrs:    utils.SplitByMultipleDelimiters(cfg.Addr, ";", ","),
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		redisOptions.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		redisOptions.DB = cfg.DB
	}
	client := redis.NewUniversalClient(redisOptions)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultQueueRedisPrefix
	}
	return &RedisStore{
		logger: logger.Named("queue.store.redis"),
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}, nil
}

func (s *RedisStore) queueKey(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

// Enqueue implements Store.Enqueue
func (s *RedisStore) Enqueue(ctx context.Context, sessionID string, evt *event.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal queued event: %w", err)
	}
	data, err := json.Marshal(redisEntry{QueuedAt: s.opts.now().UnixNano(), Event: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	key := s.queueKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.opts.Capacity), -1)
		pipe.Expire(ctx, key, s.opts.TTL)
		pipe.SAdd(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue event for session %s: %w", sessionID, err)
	}
	return nil
}

// Drain implements Store.Drain
func (s *RedisStore) Drain(ctx context.Context, sessionID string) ([]*event.Event, error) {
	key := s.queueKey(sessionID)
	var lrange *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain session %s: %w", sessionID, err)
	}

	now := s.opts.now()
	live := make([]entry, 0, len(lrange.Val()))
	for _, item := range lrange.Val() {
		e, err := s.decode(item)
		if err != nil {
			s.logger.Warn("dropping undecodable queue entry",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		if !e.expired(now, s.opts.TTL) {
			live = append(live, e)
		}
	}
	return sortForReplay(live), nil
}

// PurgeExpired implements Store.PurgeExpired
func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	sessions, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list queued sessions: %w", err)
	}

	now := s.opts.now()
	purged := 0
	for _, sessionID := range sessions {
		n, err := s.purgeSession(ctx, sessionID, now)
		if err != nil {
			s.logger.Warn("failed to purge session queue",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		purged += n
	}
	return purged, nil
}

func (s *RedisStore) purgeSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	key := s.queueKey(sessionID)
	purged := 0
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		items, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		expired := 0
		for _, item := range items {
			e, err := s.decode(item)
			if err == nil && !e.expired(now, s.opts.TTL) {
				break
			}
			expired++
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			switch {
			case expired == len(items):
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.indexKey(), sessionID)
			case expired > 0:
				pipe.LTrim(ctx, key, int64(expired), -1)
			}
			return nil
		})
		purged = expired
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// a concurrent writer touched the queue; the next tick retries
		return 0, nil
	}
	return purged, err
}

// Len implements Store.Len
func (s *RedisStore) Len(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.LLen(ctx, s.queueKey(sessionID)).Result()
	return int(n), err
}

// Total implements Store.Total
func (s *RedisStore) Total(ctx context.Context) (int, error) {
	sessions, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, sessionID := range sessions {
		n, err := s.Len(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close implements Store.Close
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decode(item string) (entry, error) {
	var re redisEntry
	if err := json.Unmarshal([]byte(item), &re); err != nil {
		return entry{}, err
	}
	var evt event.Event
	if err := json.Unmarshal(re.Event, &evt); err != nil {
		return entry{}, err
	}
	return entry{evt: &evt, queuedAt: time.Unix(0, re.QueuedAt)}, nil
}
