package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
)

const eventColumns = `id, agent_id, instance_id, signal_type, state, resolution, replica_id,
	detected_at, deadline, closed_at, version`

const openEventStates = `('detected', 'replica-creating', 'replica-ready')`

func scanEvent(row interface{ Scan(...any) error }) (*domain.InterruptionEvent, error) {
	var (
		e        domain.InterruptionEvent
		deadline sql.NullTime
		closed   sql.NullTime
	)
	err := row.Scan(
		&e.ID,
		&e.AgentID,
		&e.InstanceID,
		&e.SignalType,
		&e.State,
		&e.Resolution,
		&e.ReplicaID,
		&e.DetectedAt,
		&deadline,
		&closed,
		&e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.DetectedAt = e.DetectedAt.UTC()
	e.Deadline = timePtr(deadline)
	e.ClosedAt = timePtr(closed)
	return &e, nil
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]*domain.InterruptionEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list events: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.InterruptionEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan event: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return result, nil
}

func (s *Store) InsertEvent(ctx context.Context, e *domain.InterruptionEvent) error {
	query := `INSERT INTO interruption_events (id, agent_id, instance_id, signal_type, state, resolution, replica_id,
		detected_at, deadline, closed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if e.Version == 0 {
		e.Version = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(query),
		e.ID, e.AgentID, e.InstanceID, e.SignalType, e.State, e.Resolution, e.ReplicaID,
		e.DetectedAt.UTC(), nullTime(e.Deadline), nullTime(e.ClosedAt), e.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.InterruptionEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM interruption_events WHERE id = $1`), id))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: get event: %w", err)
	}
	return e, nil
}

// FindOpenEvent возвращает незакрытое событие по инстансу (или ErrNotFound).
// Самое строгое (termination) имеет приоритет над rebalance.
func (s *Store) FindOpenEvent(ctx context.Context, instanceID string) (*domain.InterruptionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM interruption_events
		WHERE instance_id = $1 AND state IN ` + openEventStates + `
		ORDER BY CASE signal_type WHEN 'termination' THEN 0 ELSE 1 END, detected_at DESC LIMIT 1`

	e, err := scanEvent(s.db.QueryRowContext(ctx, s.q(query), instanceID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("open event for %s: %w", instanceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: find open event: %w", err)
	}
	return e, nil
}

func (s *Store) ListOpenEvents(ctx context.Context, agentID string) ([]*domain.InterruptionEvent, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM interruption_events
		WHERE agent_id = $1 AND state IN `+openEventStates+` ORDER BY detected_at`, agentID)
}

// ListOverdueEvents — открытые termination-события с истекшим дедлайном.
func (s *Store) ListOverdueEvents(ctx context.Context, now time.Time) ([]*domain.InterruptionEvent, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM interruption_events
		WHERE state IN `+openEventStates+` AND deadline IS NOT NULL AND deadline <= $1
		ORDER BY deadline`, now.UTC())
}

// ListStaleRebalance — открытые rebalance-события старше before (кандидаты на auto-clear).
func (s *Store) ListStaleRebalance(ctx context.Context, before time.Time) ([]*domain.InterruptionEvent, error) {
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM interruption_events
		WHERE signal_type = 'rebalance' AND state IN `+openEventStates+` AND detected_at < $1
		ORDER BY detected_at`, before.UTC())
}

// ListEvents — история прерываний агента для консоли.
func (s *Store) ListEvents(ctx context.Context, agentID string, limit int) ([]*domain.InterruptionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listEvents(ctx, `SELECT `+eventColumns+` FROM interruption_events
		WHERE agent_id = $1 ORDER BY detected_at DESC LIMIT $2`, agentID, limit)
}

// LatestExpiredEvent — последнее просроченное termination-событие инстанса, ждущее
// пост-фактум подтверждения аварийного запуска.
func (s *Store) LatestExpiredEvent(ctx context.Context, agentID, instanceID string) (*domain.InterruptionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM interruption_events
		WHERE agent_id = $1 AND instance_id = $2 AND state = 'expired' AND resolution = 'expired'
		ORDER BY detected_at DESC LIMIT 1`

	e, err := scanEvent(s.db.QueryRowContext(ctx, s.q(query), agentID, instanceID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("expired event for %s: %w", instanceID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: find expired event: %w", err)
	}
	return e, nil
}

// UpdateEvent — CAS по version, при успехе e.Version увеличивается.
func (s *Store) UpdateEvent(ctx context.Context, e *domain.InterruptionEvent) error {
	if err := s.casEvent(ctx, s.db, e); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (s *Store) casEvent(ctx context.Context, q queryer, e *domain.InterruptionEvent) error {
	query := `UPDATE interruption_events SET signal_type = $1, state = $2, resolution = $3, replica_id = $4,
		deadline = $5, closed_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`

	res, err := q.ExecContext(ctx, s.q(query),
		e.SignalType, e.State, e.Resolution, e.ReplicaID, nullTime(e.Deadline), nullTime(e.ClosedAt),
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: failed to update event %s: %w", e.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewConflict("event", e.ID, "update")
	}
	return nil
}
