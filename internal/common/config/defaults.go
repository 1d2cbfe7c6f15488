package config

import (
	"time"

	"github.com/amoylab/pulsegate/internal/common/cnst"
)

const (
	DefaultPort                     = 8080
	DefaultMaxConnectionsPerSession = 5
	DefaultMessageRateLimit         = 100
	DefaultRateLimitWindow          = 60 * time.Second
	DefaultMaxQueuedMessages        = 1000
	DefaultMessageQueueTTL          = 3600 * time.Second
	DefaultPingInterval             = 30 * time.Second
	DefaultConnectionTimeout        = 300 * time.Second
	DefaultMaintenanceInterval      = 60 * time.Second
	DefaultAuthTimeout              = 10 * time.Second
	DefaultWriteTimeout             = 10 * time.Second
	DefaultMaxMessageSize           = 64 << 10
	DefaultRequestTimeout           = 120 * time.Second
	DefaultHealthCheckTimeout       = 5 * time.Second
	DefaultCostPollInterval         = 60 * time.Second
	DefaultStatusPollInterval       = 30 * time.Second
	DefaultSlowResponseThreshold    = 5 * time.Second
	DefaultCostChangeThreshold      = 0.01
	DefaultMetricsPath              = "/metrics"
	DefaultQueueRedisPrefix         = "pulsegate:queue"
)

// SetDefaults fills zero values with the gateway defaults
func (c *GatewayConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	c.Broker.SetDefaults()
	c.Queue.setDefaults()
	c.Upstream.SetDefaults()
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = cnst.AppName
	}
}

// SetDefaults fills zero broker limits with the gateway defaults
func (b *BrokerConfig) SetDefaults() {
	if b.MaxConnectionsPerSession <= 0 {
		b.MaxConnectionsPerSession = DefaultMaxConnectionsPerSession
	}
	if b.MessageRateLimit <= 0 {
		b.MessageRateLimit = DefaultMessageRateLimit
	}
	if b.RateLimitWindow <= 0 {
		b.RateLimitWindow = DefaultRateLimitWindow
	}
	if b.PingInterval <= 0 {
		b.PingInterval = DefaultPingInterval
	}
	if b.ConnectionTimeout <= 0 {
		b.ConnectionTimeout = DefaultConnectionTimeout
	}
	if b.MaintenanceInterval <= 0 {
		b.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if b.AuthTimeout <= 0 {
		b.AuthTimeout = DefaultAuthTimeout
	}
	if b.WriteTimeout <= 0 {
		b.WriteTimeout = DefaultWriteTimeout
	}
	if b.MaxMessageSize <= 0 {
		b.MaxMessageSize = DefaultMaxMessageSize
	}
}

func (q *QueueConfig) setDefaults() {
	if q.Type == "" {
		q.Type = cnst.QueueTypeMemory
	}
	if q.MaxQueuedMessages <= 0 {
		q.MaxQueuedMessages = DefaultMaxQueuedMessages
	}
	if q.MessageTTL <= 0 {
		q.MessageTTL = DefaultMessageQueueTTL
	}
	if q.Redis.ClusterType == "" {
		q.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if q.Redis.Prefix == "" {
		q.Redis.Prefix = DefaultQueueRedisPrefix
	}
}

// SetDefaults fills zero upstream timeouts and intervals with the gateway defaults
func (u *UpstreamConfig) SetDefaults() {
	if u.RequestTimeout <= 0 {
		u.RequestTimeout = DefaultRequestTimeout
	}
	if u.HealthCheckTimeout <= 0 {
		u.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if u.CostPollInterval <= 0 {
		u.CostPollInterval = DefaultCostPollInterval
	}
	if u.StatusPollInterval <= 0 {
		u.StatusPollInterval = DefaultStatusPollInterval
	}
	if u.SlowResponseTimeout <= 0 {
		u.SlowResponseTimeout = DefaultSlowResponseThreshold
	}
	if u.CostChangeThreshold <= 0 {
		u.CostChangeThreshold = DefaultCostChangeThreshold
	}
}
