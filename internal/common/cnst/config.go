package cnst

const (
	// GatewayYaml is the default configuration file name
	GatewayYaml = "pulsegate.yaml"
)

const (
	RedisClusterTypeSentinel = "sentinel"
	RedisClusterTypeCluster  = "cluster"
	RedisClusterTypeSingle   = "single"
)

const (
	// QueueTypeMemory keeps offline queues in process memory
	QueueTypeMemory = "memory"
	// QueueTypeRedis keeps offline queues in redis lists
	QueueTypeRedis = "redis"
)
