package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/amoylab/pulsegate/internal/common/cnst"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a loaded gateway configuration and reports every problem found
func (c *GatewayConfig) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Port <= 0 || c.Port > 65535 {
		add("port", "must be between 1 and 65535, got %d", c.Port)
	}

	switch c.Queue.Type {
	case cnst.QueueTypeMemory:
	case cnst.QueueTypeRedis:
		if c.Queue.Redis.Addr == "" {
			add("queue.redis.addr", "is required for the redis queue")
		}
		switch c.Queue.Redis.ClusterType {
		case cnst.RedisClusterTypeSingle, cnst.RedisClusterTypeCluster:
		case cnst.RedisClusterTypeSentinel:
			if c.Queue.Redis.MasterName == "" {
				add("queue.redis.master_name", "is required in sentinel mode")
			}
		default:
			add("queue.redis.cluster_type", "unsupported value %q", c.Queue.Redis.ClusterType)
		}
	default:
		add("queue.type", "unsupported value %q", c.Queue.Type)
	}

	if c.Broker.PingInterval >= c.Broker.ConnectionTimeout {
		add("broker.ping_interval", "must be shorter than connection_timeout")
	}

	checkURL := func(field, raw string, required bool) {
		if raw == "" {
			if required {
				add(field, "is required")
			}
			return
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add(field, "invalid url %q", raw)
		}
	}
	checkURL("upstream.llm_orchestrator_url", c.Upstream.LLMOrchestratorURL, true)
	checkURL("upstream.mcp_server_url", c.Upstream.MCPServerURL, true)
	checkURL("upstream.cost_tracking_url", c.Upstream.CostTrackingURL, false)
	checkURL("upstream.airtable_gateway_url", c.Upstream.AirtableGatewayURL, false)

	return errors.Join(errs...)
}
