package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "pulsegate.yaml", GatewayYaml)
	assert.Equal(t, "memory", QueueTypeMemory)
	assert.Equal(t, "redis", QueueTypeRedis)
}

func TestRedisClusterTypeConstants(t *testing.T) {
	assert.Equal(t, "sentinel", RedisClusterTypeSentinel)
	assert.Equal(t, "cluster", RedisClusterTypeCluster)
	assert.Equal(t, "single", RedisClusterTypeSingle)
}
