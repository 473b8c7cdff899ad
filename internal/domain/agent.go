package domain

import "time"

type AgentStatus string

const (
	AgentOnline    AgentStatus = "online"
	AgentOffline   AgentStatus = "offline"
	AgentSwitching AgentStatus = "switching" // Идет переключение пула по команде оператора
	AgentDisabled  AgentStatus = "disabled"  // Исключен из реконсиляции, но не удален
	AgentDeleted   AgentStatus = "deleted"   // Soft-retire, запись никогда не удаляется физически
)

// Mode — режим отказоустойчивости агента. Флаги в Agent взаимоисключающие.
type Mode string

const (
	ModeNone          Mode = "none"
	ModeAutoSwitch    Mode = "auto-switch"    // Реплика создается только по сигналу прерывания
	ModeManualReplica Mode = "manual-replica" // Постоянная горячая реплика
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeAutoSwitch, ModeManualReplica:
		return true
	}
	return false
}

// Agent — логическая идентичность тенанта, переживающая замену инстансов.
type Agent struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"client_id"`
	LogicalAgentID string      `json:"logical_agent_id"`
	Status         AgentStatus `json:"status"`

	AutoSwitchEnabled    bool `json:"auto_switch_enabled"`
	ManualReplicaEnabled bool `json:"manual_replica_enabled"`

	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	AZ           string `json:"az"`

	// Value-based FK на instances.id. Обратная связь: Instance.AgentID.
	CurrentReplicaID string `json:"current_replica_id,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (a *Agent) Mode() Mode {
	switch {
	case a.ManualReplicaEnabled:
		return ModeManualReplica
	case a.AutoSwitchEnabled:
		return ModeAutoSwitch
	}
	return ModeNone
}

// ApplyMode выставляет флаги так, чтобы они никогда не были включены одновременно.
func (a *Agent) ApplyMode(m Mode) {
	a.ManualReplicaEnabled = m == ModeManualReplica
	a.AutoSwitchEnabled = m == ModeAutoSwitch
}

// Retired — агент выведен из обработки (Enforcer его не трогает).
func (a *Agent) Retired() bool {
	return a.Status == AgentDeleted || a.Status == AgentDisabled
}

// AgentConfig отдается агенту при регистрации.
type AgentConfig struct {
	Mode                Mode          `json:"mode"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	PollInterval        time.Duration `json:"poll_interval"`
	TerminationDeadline time.Duration `json:"termination_deadline"`
}
