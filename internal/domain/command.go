package domain

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdCreateReplica     CommandType = "create-replica"
	CmdPromoteReplica    CommandType = "promote-replica"
	CmdTerminateInstance CommandType = "terminate-instance"
	CmdSwitchPool        CommandType = "switch-pool"
)

// Priority — ярусы очереди. Внутри яруса порядок вставки.
type Priority int

const (
	PriorityEmergency Priority = 100
	PriorityManual    Priority = 75
	PriorityAutomatic Priority = 25
	PriorityCleanup   Priority = 10
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandDelivered CommandStatus = "delivered"
	CommandExecuted  CommandStatus = "executed"
	CommandFailed    CommandStatus = "failed"
)

type Command struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Type         CommandType     `json:"type"`
	InstanceID   string          `json:"instance_id,omitempty"`
	TargetPoolID string          `json:"target_pool_id,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     Priority        `json:"priority"`
	RequestID    string          `json:"request_id"`
	Status       CommandStatus   `json:"status"`
	Attempts     int             `json:"attempts"`

	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (c *Command) Open() bool {
	return c.Status == CommandPending || c.Status == CommandDelivered
}

// CommandParams — полезная нагрузка команды для агента.
type CommandParams struct {
	ReplicaID    string `json:"replica_id,omitempty"`
	PrimaryID    string `json:"primary_id,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	Region       string `json:"region,omitempty"`
	Emergency    bool   `json:"emergency,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (p CommandParams) Marshal() json.RawMessage {
	raw, _ := json.Marshal(p)
	return raw
}
