package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConflict          = errors.New("optimistic lock conflict")
	ErrInvariant         = errors.New("fleet invariant violation")
	ErrDeadlineExpired   = errors.New("interruption deadline expired")
	ErrAgentUnreachable  = errors.New("agent unreachable")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAgentRetired      = errors.New("agent retired")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNoPool            = errors.New("no eligible pool")
)

// ConflictError — CAS не прошел (0 строк обновлено). Ретраится с бэкоффом.
type ConflictError struct {
	Entity string
	ID     string
	Op     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %s changed concurrently during %s", e.Entity, e.ID, e.Op)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvariantViolation — операция создала бы второй активный PRIMARY/REPLICA. Никогда не применяется.
type InvariantViolation struct {
	AgentID string
	Detail  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation for agent %s: %s", e.AgentID, e.Detail)
}

func (e *InvariantViolation) Unwrap() error { return ErrInvariant }

// DeadlineExpired — termination-дедлайн прошел без готовой реплики. Не фатально.
type DeadlineExpired struct {
	EventID    string
	InstanceID string
	Deadline   time.Time
}

func (e *DeadlineExpired) Error() string {
	return fmt.Sprintf("deadline %s expired for instance %s (event %s)",
		e.Deadline.Format(time.RFC3339), e.InstanceID, e.EventID)
}

func (e *DeadlineExpired) Unwrap() error { return ErrDeadlineExpired }

// AgentUnreachable — команды не забираются несколько интервалов опроса.
type AgentUnreachable struct {
	AgentID string
	Since   time.Time
}

func (e *AgentUnreachable) Error() string {
	return fmt.Sprintf("agent %s unreachable since %s", e.AgentID, e.Since.Format(time.RFC3339))
}

func (e *AgentUnreachable) Unwrap() error { return ErrAgentUnreachable }

func NewConflict(entity, id, op string) error {
	return &ConflictError{Entity: entity, ID: id, Op: op}
}
