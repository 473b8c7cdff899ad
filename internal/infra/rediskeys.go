package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "spotguard"
)

// Ключи (состояние)
const (
	// RedisKeyPricingPrefix — hash внешнего Pricing Pipeline: field = poolId, value = JSON котировки.
	RedisKeyPricingPrefix = RedisNamespace + ":pricing"
	RedisKeyLockPricing   = RedisNamespace + ":lock:pricing-seed"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanModeSignal — смена режима агента оператором, формат "agent_id:mode".
	RedisChanModeSignal = RedisNamespace + ":agents:mode-signal"
	// RedisChanCommandsPrefix — пробуждение long-poll агента при новой команде.
	RedisChanCommandsPrefix = RedisNamespace + ":commands"
)

// CommandsChannel — канал пробуждения конкретного агента.
func CommandsChannel(agentID string) string {
	return fmt.Sprintf("%s:%s", RedisChanCommandsPrefix, agentID)
}

// PricingKey — hash котировок для пары регион/тип инстанса.
func PricingKey(region, instanceType string) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyPricingPrefix, region, instanceType)
}

// PricingSeedLockKey — блокировка заливки статических котировок (один процесс на ключ).
func PricingSeedLockKey(region, instanceType string) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyLockPricing, region, instanceType)
}
