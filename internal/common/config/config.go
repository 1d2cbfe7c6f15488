package config

import (
	"os"
	"regexp"
	"time"

	"github.com/amoylab/pulsegate/pkg/helper"
	"github.com/amoylab/pulsegate/pkg/trace"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// GatewayConfig represents the realtime gateway configuration
	GatewayConfig struct {
		Port     int            `yaml:"port"`
		PID      string         `yaml:"pid"`
		APIKey   string         `yaml:"api_key"` // plain key or bcrypt hash
		Logger   LoggerConfig   `yaml:"logger"`
		Broker   BrokerConfig   `yaml:"broker"`
		Queue    QueueConfig    `yaml:"queue"`
		Upstream UpstreamConfig `yaml:"upstream"`
		Metrics  MetricsConfig  `yaml:"metrics"`
		Tracing  trace.Config   `yaml:"tracing"`
	}

	// BrokerConfig holds the session broker limits and timers
	BrokerConfig struct {
		MaxConnectionsPerSession int           `yaml:"max_connections_per_session"`
		MessageRateLimit         int           `yaml:"message_rate_limit"`
		RateLimitWindow          time.Duration `yaml:"rate_limit_window"`
		PingInterval             time.Duration `yaml:"ping_interval"`
		ConnectionTimeout        time.Duration `yaml:"connection_timeout"`
		MaintenanceInterval      time.Duration `yaml:"maintenance_interval"`
		AuthTimeout              time.Duration `yaml:"auth_timeout"`
		WriteTimeout             time.Duration `yaml:"write_timeout"`
		MaxMessageSize           int64         `yaml:"max_message_size"` // bytes accepted per inbound frame
	}

	// QueueConfig represents the offline queue configuration
	QueueConfig struct {
		Type              string           `yaml:"type"` // "memory" or "redis"
		MaxQueuedMessages int              `yaml:"max_queued_messages"`
		MessageTTL        time.Duration    `yaml:"message_ttl"`
		Redis             QueueRedisConfig `yaml:"redis"`
	}

	// QueueRedisConfig represents the Redis configuration for the offline queue
	QueueRedisConfig struct {
		ClusterType string `yaml:"cluster_type"` // single, sentinel, cluster
		Addr        string `yaml:"addr"`         // multiple addresses separated by ; or ,
		MasterName  string `yaml:"master_name"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		DB          int    `yaml:"db"`
		Prefix      string `yaml:"prefix"`
	}

	// UpstreamConfig lists the upstream services and polling cadence
	UpstreamConfig struct {
		LLMOrchestratorURL  string        `yaml:"llm_orchestrator_url"`
		MCPServerURL        string        `yaml:"mcp_server_url"`
		CostTrackingURL     string        `yaml:"cost_tracking_url"`    // optional, enables the cost poller
		AirtableGatewayURL  string        `yaml:"airtable_gateway_url"` // optional, extra health target
		RequestTimeout      time.Duration `yaml:"request_timeout"`
		HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
		CostPollInterval    time.Duration `yaml:"cost_poll_interval"`
		StatusPollInterval  time.Duration `yaml:"status_poll_interval"`
		SlowResponseTimeout time.Duration `yaml:"slow_response_threshold"`
		CostChangeThreshold float64       `yaml:"cost_change_threshold"`
	}

	// MetricsConfig represents the prometheus exporter configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled"`
		Path      string    `yaml:"path"`
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone"`   // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

type Type interface {
	GatewayConfig
}

// LoadConfig loads configuration from a YAML file with environment variable support
func LoadConfig[T Type](filename string) (*T, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, err
	}

	if gwCfg, ok := any(&cfg).(*GatewayConfig); ok {
		gwCfg.SetDefaults()
	}

	return &cfg, cfgPath, nil
}

// resolveEnv replaces environment variable placeholders in YAML content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
