package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/repository/sqlstore"
)

// Интерфейсы хранилища со стороны ядра. Реализация: sqlstore.Store (Postgres или SQLite).

type AgentStore interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	FindLiveAgent(ctx context.Context, clientID, logicalAgentID string) (*domain.Agent, error)
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	TouchHeartbeat(ctx context.Context, id string, at time.Time) (bool, error)
	MarkOffline(ctx context.Context, id string, staleBefore time.Time) (bool, error)
	ListAgents(ctx context.Context, includeRetired bool) ([]*domain.Agent, error)
}

type InstanceStore interface {
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	ListInstances(ctx context.Context, agentID string, includeTerminated bool) ([]*domain.Instance, error)
	UpdateInstance(ctx context.Context, inst *domain.Instance) error
	InsertPrimary(ctx context.Context, inst *domain.Instance) error
	CreateReplica(ctx context.Context, p sqlstore.CreateReplicaParams) (bool, error)
	SwitchPrimary(ctx context.Context, p sqlstore.SwitchParams) error
	RetireInstance(ctx context.Context, inst *domain.Instance, cmd *domain.Command) error
	PoolBootStats(ctx context.Context, since time.Time, deadline time.Duration) (map[string]domain.BootStats, error)
}

type CommandStore interface {
	InsertCommand(ctx context.Context, c *domain.Command) (bool, error)
	GetCommandByRequestID(ctx context.Context, requestID string) (*domain.Command, error)
	ListOpenCommands(ctx context.Context, agentID string) ([]*domain.Command, error)
	ListCommands(ctx context.Context, agentID string, limit int) ([]*domain.Command, error)
	ClaimForDelivery(ctx context.Context, agentID string, now, redeliverBefore time.Time) ([]*domain.Command, error)
	CloseCommand(ctx context.Context, id string, status domain.CommandStatus, result json.RawMessage, now time.Time) (bool, error)
	CloseInstanceCommands(ctx context.Context, instanceID string, typ domain.CommandType, status domain.CommandStatus, now time.Time) (int64, error)
}

type EventStore interface {
	InsertEvent(ctx context.Context, e *domain.InterruptionEvent) error
	GetEvent(ctx context.Context, id string) (*domain.InterruptionEvent, error)
	FindOpenEvent(ctx context.Context, instanceID string) (*domain.InterruptionEvent, error)
	ListOpenEvents(ctx context.Context, agentID string) ([]*domain.InterruptionEvent, error)
	ListOverdueEvents(ctx context.Context, now time.Time) ([]*domain.InterruptionEvent, error)
	ListStaleRebalance(ctx context.Context, before time.Time) ([]*domain.InterruptionEvent, error)
	ListEvents(ctx context.Context, agentID string, limit int) ([]*domain.InterruptionEvent, error)
	LatestExpiredEvent(ctx context.Context, agentID, instanceID string) (*domain.InterruptionEvent, error)
	UpdateEvent(ctx context.Context, e *domain.InterruptionEvent) error
}

type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, requestID string, now time.Time) (*domain.IdempotencyRecord, error)
	SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	PurgeIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type Store interface {
	AgentStore
	InstanceStore
	CommandStore
	EventStore
	IdempotencyStore
}

var _ Store = (*sqlstore.Store)(nil)
