package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
)

const agentColumns = `id, client_id, logical_agent_id, status, auto_switch_enabled, manual_replica_enabled,
	instance_type, region, az, current_replica_id, last_heartbeat_at, version, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*domain.Agent, error) {
	var (
		a         domain.Agent
		replicaID sql.NullString // Используем для обработки NULL из БД
		heartbeat sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.ClientID,
		&a.LogicalAgentID,
		&a.Status,
		&a.AutoSwitchEnabled,
		&a.ManualReplicaEnabled,
		&a.InstanceType,
		&a.Region,
		&a.AZ,
		&replicaID,
		&heartbeat,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CurrentReplicaID = replicaID.String
	a.LastHeartbeatAt = timePtr(heartbeat)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// CreateAgent создает новую логическую идентичность (первая регистрация или переустановка).
func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	query := `INSERT INTO agents (id, client_id, logical_agent_id, status, auto_switch_enabled, manual_replica_enabled,
		instance_type, region, az, current_replica_id, last_heartbeat_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	if a.Version == 0 {
		a.Version = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(query),
		a.ID, a.ClientID, a.LogicalAgentID, a.Status, a.AutoSwitchEnabled, a.ManualReplicaEnabled,
		a.InstanceType, a.Region, a.AZ, nullString(a.CurrentReplicaID), nullTime(a.LastHeartbeatAt),
		a.Version, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return s.getAgent(ctx, s.db, id)
}

func (s *Store) getAgent(ctx context.Context, q queryer, id string) (*domain.Agent, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE id = $1`), id)
	a, err := scanAgent(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: get agent: %w", err)
	}
	return a, nil
}

// FindLiveAgent ищет не удаленного агента по логической идентичности тенанта.
func (s *Store) FindLiveAgent(ctx context.Context, clientID, logicalAgentID string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE client_id = $1 AND logical_agent_id = $2 AND status <> 'deleted'
		ORDER BY created_at DESC LIMIT 1`

	a, err := scanAgent(s.db.QueryRowContext(ctx, s.q(query), clientID, logicalAgentID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("agent %s/%s: %w", clientID, logicalAgentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: find agent: %w", err)
	}
	return a, nil
}

// UpdateAgent — CAS по version. При успехе a.Version увеличивается на месте.
func (s *Store) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	return s.updateAgent(ctx, s.db, a)
}

func (s *Store) updateAgent(ctx context.Context, q queryer, a *domain.Agent) error {
	query := `UPDATE agents SET status = $1, auto_switch_enabled = $2, manual_replica_enabled = $3,
		instance_type = $4, region = $5, az = $6, current_replica_id = $7, updated_at = $8,
		version = version + 1
		WHERE id = $9 AND version = $10`

	res, err := q.ExecContext(ctx, s.q(query),
		a.Status, a.AutoSwitchEnabled, a.ManualReplicaEnabled,
		a.InstanceType, a.Region, a.AZ, nullString(a.CurrentReplicaID), a.UpdatedAt.UTC(),
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to update agent: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewConflict("agent", a.ID, "update")
	}
	a.Version++
	return nil
}

// TouchHeartbeat обновляет liveness без инкремента version: пульс не должен ломать CAS
// операторских изменений режима. Отключенных/удаленных агентов не «оживляет».
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE agents SET last_heartbeat_at = $1, status = 'online'
		WHERE id = $2 AND status IN ('online', 'offline')`

	res, err := s.db.ExecContext(ctx, s.q(query), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("sqlstore: touch heartbeat: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

// MarkOffline переводит агента в offline, только если пульс действительно устарел.
func (s *Store) MarkOffline(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	query := `UPDATE agents SET status = 'offline'
		WHERE id = $1 AND status = 'online' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)`

	res, err := s.db.ExecContext(ctx, s.q(query), id, staleBefore.UTC())
	if err != nil {
		return false, fmt.Errorf("sqlstore: mark offline: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

// ListAgents возвращает агентов для сканирования Enforcer-ом или для консоли.
func (s *Store) ListAgents(ctx context.Context, includeRetired bool) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if !includeRetired {
		query += ` WHERE status NOT IN ('disabled', 'deleted')`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return agents, nil
}
