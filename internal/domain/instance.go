package domain

import (
	"fmt"
	"time"
)

// Role — роль инстанса в отказоустойчивой паре агента.
type Role string

const (
	RolePrimary    Role = "PRIMARY"
	RoleReplica    Role = "REPLICA"
	RoleZombie     Role = "ZOMBIE"
	RoleTerminated Role = "TERMINATED"
)

// InstanceStatus — состояние самого ресурса (в отличие от роли).
type InstanceStatus string

const (
	InstanceLaunching   InstanceStatus = "launching"
	InstanceSyncing     InstanceStatus = "syncing"
	InstanceReady       InstanceStatus = "ready"
	InstanceFailed      InstanceStatus = "failed"
	InstanceRunning     InstanceStatus = "running"
	InstanceTerminating InstanceStatus = "terminating"
)

// Purpose — зачем был создан инстанс. Нужен Enforcer-у для решения о teardown.
type Purpose string

const (
	PurposePrimary     Purpose = "primary"
	PurposeStandby     Purpose = "standby"
	PurposeRebalance   Purpose = "rebalance"
	PurposeTermination Purpose = "termination"
)

type Instance struct {
	ID       string         `json:"id"`
	AgentID  string         `json:"agent_id"`
	Role     Role           `json:"role"`
	Status   InstanceStatus `json:"status"`
	PoolID   string         `json:"pool_id"`
	IsActive bool           `json:"is_active"`
	Purpose  Purpose        `json:"purpose"`
	EventID  string         `json:"event_id,omitempty"`
	Version  int64          `json:"version"`

	CreatedAt    time.Time  `json:"created_at"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

// Правила конечного автомата ролей. (none)->PRIMARY допускается только при регистрации/adopt.
var roleTransitions = map[Role][]Role{
	RoleReplica:    {RolePrimary, RoleTerminated},
	RolePrimary:    {RoleZombie},
	RoleZombie:     {RoleTerminated},
	RoleTerminated: nil,
}

// CanTransitionTo проверяет переход роли. Промоут реплики дополнительно требует статус ready.
func (i *Instance) CanTransitionTo(next Role) error {
	for _, r := range roleTransitions[i.Role] {
		if r == next {
			if next == RolePrimary && i.Status != InstanceReady {
				return fmt.Errorf("%w: replica %s is %s, not ready", ErrInvalidTransition, i.ID, i.Status)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (instance %s)", ErrInvalidTransition, i.Role, next, i.ID)
}

// CanSetStatus проверяет переходы статуса реплики: launching -> syncing -> ready, любой -> failed.
func (i *Instance) CanSetStatus(next InstanceStatus) error {
	if i.Role != RoleReplica {
		return fmt.Errorf("%w: status report for %s instance %s", ErrInvalidTransition, i.Role, i.ID)
	}
	switch i.Status {
	case InstanceFailed, InstanceTerminating:
		return fmt.Errorf("%w: replica %s is already %s", ErrInvalidTransition, i.ID, i.Status)
	}
	switch next {
	case InstanceFailed, InstanceTerminating:
		return nil
	case InstanceSyncing:
		if i.Status == InstanceLaunching || i.Status == InstanceSyncing {
			return nil
		}
	case InstanceReady:
		if i.Status == InstanceLaunching || i.Status == InstanceSyncing || i.Status == InstanceReady {
			return nil
		}
	case InstanceLaunching:
		if i.Status == InstanceLaunching {
			return nil
		}
	}
	return fmt.Errorf("%w: replica %s %s -> %s", ErrInvalidTransition, i.ID, i.Status, next)
}

// InFlight — реплика еще поднимается (учитывается как существующая).
func (i *Instance) InFlight() bool {
	return i.Role == RoleReplica && i.IsActive && (i.Status == InstanceLaunching || i.Status == InstanceSyncing)
}

func (i *Instance) ActiveReplica() bool {
	return i.Role == RoleReplica && i.IsActive
}

func (i *Instance) ActivePrimary() bool {
	return i.Role == RolePrimary && i.IsActive
}

// StateLabel используется в аудите как pre/post state.
func (i *Instance) StateLabel() string {
	return string(i.Role) + "/" + string(i.Status)
}

// PoolID пула по умолчанию, если агент его не передал.
func ComposePoolID(instanceType, az string) string {
	if instanceType == "" || az == "" {
		return instanceType + az
	}
	return instanceType + "@" + az
}
