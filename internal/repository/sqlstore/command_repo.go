package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
)

const commandColumns = `id, agent_id, type, instance_id, target_pool_id, params, priority, request_id, status,
	attempts, created_at, delivered_at, closed_at, result`

// Порядок очереди: ярус приоритета, затем порядок вставки (seq).
const commandOrder = ` ORDER BY priority DESC, seq ASC`

func scanCommand(row interface{ Scan(...any) error }) (*domain.Command, error) {
	var (
		c         domain.Command
		params    string
		result    string
		delivered sql.NullTime
		closed    sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.AgentID,
		&c.Type,
		&c.InstanceID,
		&c.TargetPoolID,
		&params,
		&c.Priority,
		&c.RequestID,
		&c.Status,
		&c.Attempts,
		&c.CreatedAt,
		&delivered,
		&closed,
		&result,
	)
	if err != nil {
		return nil, err
	}
	if params != "" {
		c.Params = json.RawMessage(params)
	}
	if result != "" {
		c.Result = json.RawMessage(result)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.DeliveredAt = timePtr(delivered)
	c.ClosedAt = timePtr(closed)
	return &c, nil
}

func scanCommands(rows *sql.Rows) ([]*domain.Command, error) {
	defer rows.Close()
	result := make([]*domain.Command, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan command: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return result, nil
}

// insertCommand — ON CONFLICT (request_id) DO NOTHING. false — команда с этим requestId уже есть.
func (s *Store) insertCommand(ctx context.Context, q queryer, c *domain.Command) (bool, error) {
	query := `INSERT INTO commands (id, agent_id, type, instance_id, target_pool_id, params, priority, request_id,
		status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING`

	params := string(c.Params)
	if params == "" {
		params = "{}"
	}
	if c.Status == "" {
		c.Status = domain.CommandPending
	}
	res, err := q.ExecContext(ctx, s.q(query),
		c.ID, c.AgentID, c.Type, c.InstanceID, c.TargetPoolID, params, int(c.Priority), c.RequestID,
		c.Status, c.Attempts, c.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: failed to insert command %s: %w", c.Type, err)
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *Store) InsertCommand(ctx context.Context, c *domain.Command) (bool, error) {
	return s.insertCommand(ctx, s.db, c)
}

func (s *Store) GetCommandByRequestID(ctx context.Context, requestID string) (*domain.Command, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+commandColumns+` FROM commands WHERE request_id = $1`), requestID)
	c, err := scanCommand(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("command with request %s: %w", requestID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: get command: %w", err)
	}
	return c, nil
}

// ListOpenCommands — незакрытые команды агента в порядке очереди.
func (s *Store) ListOpenCommands(ctx context.Context, agentID string) ([]*domain.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE agent_id = $1 AND status IN ('pending', 'delivered')` + commandOrder

	rows, err := s.db.QueryContext(ctx, s.q(query), agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list open commands: %w", err)
	}
	return scanCommands(rows)
}

// ListCommands — история очереди агента для консоли (последние сверху).
func (s *Store) ListCommands(ctx context.Context, agentID string, limit int) ([]*domain.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + commandColumns + ` FROM commands WHERE agent_id = $1 ORDER BY seq DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, s.q(query), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list commands: %w", err)
	}
	return scanCommands(rows)
}

// ClaimForDelivery выдает агенту его очередь: pending становятся delivered, а delivered,
// не подтвержденные дольше redeliverBefore, выдаются повторно (at-least-once).
func (s *Store) ClaimForDelivery(ctx context.Context, agentID string, now, redeliverBefore time.Time) ([]*domain.Command, error) {
	var claimed []*domain.Command
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + commandColumns + ` FROM commands
			WHERE agent_id = $1 AND (status = 'pending' OR (status = 'delivered' AND delivered_at < $2))` + commandOrder

		rows, err := tx.QueryContext(ctx, s.q(query), agentID, redeliverBefore.UTC())
		if err != nil {
			return fmt.Errorf("sqlstore: failed to select queue: %w", err)
		}
		cmds, err := scanCommands(rows)
		if err != nil {
			return err
		}

		for _, c := range cmds {
			_, err := tx.ExecContext(ctx, s.q(`UPDATE commands SET status = 'delivered', delivered_at = $1,
				attempts = attempts + 1 WHERE id = $2 AND status IN ('pending', 'delivered')`), now.UTC(), c.ID)
			if err != nil {
				return fmt.Errorf("sqlstore: mark delivered: %w", err)
			}
			t := now.UTC()
			c.Status = domain.CommandDelivered
			c.DeliveredAt = &t
			c.Attempts++
		}
		claimed = cmds
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CloseCommand закрывает команду по отчету агента. false: команда уже была закрыта.
func (s *Store) CloseCommand(ctx context.Context, id string, status domain.CommandStatus, result json.RawMessage, now time.Time) (bool, error) {
	query := `UPDATE commands SET status = $1, result = $2, closed_at = $3
		WHERE id = $4 AND status IN ('pending', 'delivered')`

	res, err := s.db.ExecContext(ctx, s.q(query), status, string(result), now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("sqlstore: failed to close command: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

// CloseInstanceCommands закрывает открытые команды данного типа для инстанса
// (например, create-replica после отчета ready/failed).
func (s *Store) CloseInstanceCommands(ctx context.Context, instanceID string, typ domain.CommandType, status domain.CommandStatus, now time.Time) (int64, error) {
	query := `UPDATE commands SET status = $1, closed_at = $2
		WHERE instance_id = $3 AND type = $4 AND status IN ('pending', 'delivered')`

	res, err := s.db.ExecContext(ctx, s.q(query), status, now.UTC(), instanceID, typ)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: close instance commands: %w", err)
	}
	return affected(res)
}
