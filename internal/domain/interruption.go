package domain

import (
	"fmt"
	"time"
)

type SignalType string

const (
	SignalRebalance   SignalType = "rebalance"
	SignalTermination SignalType = "termination"
)

func (s SignalType) Valid() bool {
	return s == SignalRebalance || s == SignalTermination
}

// EventState — конечный автомат InterruptionEvent:
// detected -> replica-creating -> replica-ready -> promoted, либо ... -> expired / cleared.
type EventState string

const (
	EventDetected        EventState = "detected"
	EventReplicaCreating EventState = "replica-creating"
	EventReplicaReady    EventState = "replica-ready"
	EventPromoted        EventState = "promoted"
	EventExpired         EventState = "expired"
	EventCleared         EventState = "cleared"
)

type Resolution string

const (
	ResolutionNone            Resolution = "none"
	ResolutionReplicaPromoted Resolution = "replica-promoted"
	ResolutionEmergencyLaunch Resolution = "emergency-launch"
	ResolutionExpired         Resolution = "expired"
)

type InterruptionEvent struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	InstanceID string     `json:"instance_id"`
	SignalType SignalType `json:"signal_type"`
	State      EventState `json:"state"`
	Resolution Resolution `json:"resolution"`
	ReplicaID  string     `json:"replica_id,omitempty"`

	DetectedAt time.Time  `json:"detected_at"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Version    int64      `json:"version"`
}

func (e *InterruptionEvent) Open() bool {
	switch e.State {
	case EventPromoted, EventExpired, EventCleared:
		return false
	}
	return true
}

// Overdue — у termination-события истек дедлайн.
func (e *InterruptionEvent) Overdue(now time.Time) bool {
	return e.Open() && e.Deadline != nil && !now.Before(*e.Deadline)
}

var eventTransitions = map[EventState][]EventState{
	EventDetected:        {EventReplicaCreating, EventReplicaReady, EventPromoted, EventExpired, EventCleared},
	EventReplicaCreating: {EventReplicaCreating, EventReplicaReady, EventPromoted, EventExpired, EventCleared},
	EventReplicaReady:    {EventPromoted, EventExpired, EventCleared, EventReplicaCreating},
}

func (e *InterruptionEvent) CanTransitionTo(next EventState) error {
	for _, s := range eventTransitions[e.State] {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("%w: event %s %s -> %s", ErrInvalidTransition, e.ID, e.State, next)
}
