package audit

import "time"

type EntityType string

const (
	EntityAgent    EntityType = "agent"
	EntityInstance EntityType = "instance"
	EntityCommand  EntityType = "command"
	EntityEvent    EntityType = "event"
)

// Акторы, от чьего имени произошел переход.
const (
	ActorEnforcer     = "enforcer"
	ActorOrchestrator = "orchestrator"
	ActorRegistry     = "registry"
	ActorAgent        = "agent"
	ActorOperator     = "operator"
	ActorDeadline     = "deadline-watcher"
)

// TransitionEvent — одна смена состояния сущности. Отправляется во внешний sink по принципу fire-and-forget.
type TransitionEvent struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	AgentID    string     `json:"agent_id"`
	PreState   string     `json:"pre_state"`
	PostState  string     `json:"post_state"`
	Actor      string     `json:"actor"`
	TraceID    string     `json:"trace_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
