package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spotguard/internal/audit"
)

// Количество колонок transition_log
const auditFields = 10

// Лимит строк в одном INSERT: старые сборки SQLite ограничивают число параметров 999.
const auditChunk = 90

// WriteBatch — пакетная вставка переходов одним INSERT на чанк. Реализует audit.StorageInterface.
func (s *Store) WriteBatch(ctx context.Context, events []audit.TransitionEvent) error {
	for len(events) > 0 {
		n := min(len(events), auditChunk)
		if err := s.writeChunk(ctx, events[:n]); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

func (s *Store) writeChunk(ctx context.Context, events []audit.TransitionEvent) error {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * auditFields
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		vals = append(vals,
			e.ID, e.EntityType, e.EntityID, e.AgentID, e.PreState,
			e.PostState, e.Actor, e.TraceID, e.Reason, e.Timestamp.UTC(),
		)
	}

	query := `INSERT INTO transition_log (id, entity_type, entity_id, agent_id, pre_state, post_state,
		actor, trace_id, reason, timestamp) VALUES ` + sb.String() + ` ON CONFLICT (id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, s.q(query), vals...); err != nil {
		return fmt.Errorf("sqlstore: write audit batch: %w", err)
	}
	return nil
}

// ListTransitions — журнал переходов агента (последние сверху) для консоли.
func (s *Store) ListTransitions(ctx context.Context, agentID string, limit int) ([]audit.TransitionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, entity_type, entity_id, agent_id, pre_state, post_state, actor, trace_id, reason, timestamp
		FROM transition_log WHERE agent_id = $1 ORDER BY timestamp DESC, id LIMIT $2`

	rows, err := s.db.QueryContext(ctx, s.q(query), agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list transitions: %w", err)
	}
	defer rows.Close()

	result := make([]audit.TransitionEvent, 0)
	for rows.Next() {
		var e audit.TransitionEvent
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.AgentID, &e.PreState, &e.PostState,
			&e.Actor, &e.TraceID, &e.Reason, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlstore: scan transition: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return result, nil
}
