package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "mcp"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanApprovalCreated — новая заявка ждет оператора (внешняя система согласования).
	RedisChanApprovalCreated = RedisNamespace + ":approvals:created"
	// RedisChanApprovalDecided — заявка вышла из pending (approved/rejected/expired).
	RedisChanApprovalDecided = RedisNamespace + ":approvals:decided"
	// RedisChanApprovalCommands — решения, принятые вне HTTP (бот, консоль): JSON DecisionCommand.
	RedisChanApprovalCommands = RedisNamespace + ":approvals:commands"
	// RedisChanResults — отложенные конверты после Resume.
	RedisChanResults = RedisNamespace + ":results"
)

// RedisKeyResult — последний конверт по request_id (с TTL).
func RedisKeyResult(requestID string) string {
	return RedisNamespace + ":results:" + requestID
}
