package domain

import (
	"encoding/json"
	"time"
)

// Входящие контракты агента. Транспорт (HTTP) живет в gateway.

type RegisterRequest struct {
	ClientID       string `json:"client_id"`
	LogicalAgentID string `json:"logical_agent_id"`
	InstanceID     string `json:"instance_id"`
	InstanceType   string `json:"instance_type"`
	Region         string `json:"region"`
	AZ             string `json:"az"`
	PoolID         string `json:"pool_id,omitempty"`
	Mode           Mode   `json:"mode"`
}

type RegisterResponse struct {
	AgentID string      `json:"agent_id"`
	Config  AgentConfig `json:"config"`
}

type HeartbeatRequest struct {
	AgentID     string    `json:"agent_id"`
	Timestamp   time.Time `json:"timestamp"`
	CurrentMode Mode      `json:"current_mode"`
}

type HeartbeatResponse struct {
	Status AgentStatus `json:"status"`
	Mode   Mode        `json:"mode"`
}

type SignalRequest struct {
	AgentID    string     `json:"agent_id"`
	InstanceID string     `json:"instance_id"`
	SignalType SignalType `json:"signal_type"`
	DetectedAt time.Time  `json:"detected_at"`
}

type ReplicaStatusReport struct {
	ReplicaID string         `json:"replica_id"`
	Status    InstanceStatus `json:"status"`
	RequestID string         `json:"request_id"`
}

type ReplicaStatusResult struct {
	ReplicaID string         `json:"replica_id"`
	Status    InstanceStatus `json:"status"`
	Role      Role           `json:"role"`
	Version   int64          `json:"version"`
	Promoted  bool           `json:"promoted,omitempty"`
}

// SwitchReport — результат исполнения команды (switch / terminate / promote / create).
type SwitchReport struct {
	RequestID     string `json:"request_id"`
	Success       bool   `json:"success"`
	NewInstanceID string `json:"new_instance_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

type SwitchResult struct {
	CommandID string        `json:"command_id"`
	Type      CommandType   `json:"type"`
	Status    CommandStatus `json:"status"`
	PrimaryID string        `json:"primary_id,omitempty"`
}

// IdempotencyRecord — requestId -> закешированный результат первой обработки.
type IdempotencyRecord struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result"`
	AppliedAt time.Time       `json:"applied_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
