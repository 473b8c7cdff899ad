package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
)

const instanceColumns = `id, agent_id, role, status, pool_id, is_active, purpose, event_id, version,
	created_at, ready_at, terminated_at`

func scanInstance(row interface{ Scan(...any) error }) (*domain.Instance, error) {
	var (
		inst       domain.Instance
		ready      sql.NullTime
		terminated sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.AgentID,
		&inst.Role,
		&inst.Status,
		&inst.PoolID,
		&inst.IsActive,
		&inst.Purpose,
		&inst.EventID,
		&inst.Version,
		&inst.CreatedAt,
		&ready,
		&terminated,
	)
	if err != nil {
		return nil, err
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.ReadyAt = timePtr(ready)
	inst.TerminatedAt = timePtr(terminated)
	return &inst, nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*domain.Instance, error) {
	return s.getInstance(ctx, s.db, id)
}

func (s *Store) getInstance(ctx context.Context, q queryer, id string) (*domain.Instance, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM instances WHERE id = $1`), id)
	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: get instance: %w", err)
	}
	return inst, nil
}

// ListInstances возвращает инстансы агента в порядке создания.
func (s *Store) ListInstances(ctx context.Context, agentID string, includeTerminated bool) ([]*domain.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE agent_id = $1`
	if !includeTerminated {
		query += ` AND role <> 'TERMINATED'`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: failed to list instances: %w", err)
	}
	defer rows.Close()

	result := make([]*domain.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan instance: %w", err)
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	return result, nil
}

func (s *Store) insertInstance(ctx context.Context, q queryer, inst *domain.Instance) error {
	query := `INSERT INTO instances (id, agent_id, role, status, pool_id, is_active, purpose, event_id, version,
		created_at, ready_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if inst.Version == 0 {
		inst.Version = 1
	}
	_, err := q.ExecContext(ctx, s.q(query),
		inst.ID, inst.AgentID, inst.Role, inst.Status, inst.PoolID, inst.IsActive, inst.Purpose, inst.EventID,
		inst.Version, inst.CreatedAt.UTC(), nullTime(inst.ReadyAt), nullTime(inst.TerminatedAt),
	)
	if err != nil {
		if roleIndexViolation(err) {
			return &domain.InvariantViolation{AgentID: inst.AgentID, Detail: "second active " + string(inst.Role) + " rejected by storage"}
		}
		return fmt.Errorf("sqlstore: failed to insert instance %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateInstance — CAS: UPDATE ... WHERE id = ? AND version = ?. 0 строк — проиграли гонку.
func (s *Store) UpdateInstance(ctx context.Context, inst *domain.Instance) error {
	if err := s.casInstance(ctx, s.db, inst); err != nil {
		return err
	}
	inst.Version++
	return nil
}

// casInstance не меняет inst.Version: внутри транзакции структуру правим только после commit.
func (s *Store) casInstance(ctx context.Context, q queryer, inst *domain.Instance) error {
	query := `UPDATE instances SET agent_id = $1, role = $2, status = $3, pool_id = $4, is_active = $5,
		purpose = $6, event_id = $7, ready_at = $8, terminated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`

	res, err := q.ExecContext(ctx, s.q(query),
		inst.AgentID, inst.Role, inst.Status, inst.PoolID, inst.IsActive, inst.Purpose, inst.EventID,
		nullTime(inst.ReadyAt), nullTime(inst.TerminatedAt), inst.ID, inst.Version,
	)
	if err != nil {
		if roleIndexViolation(err) {
			return &domain.InvariantViolation{AgentID: inst.AgentID, Detail: "second active " + string(inst.Role) + " rejected by storage"}
		}
		return fmt.Errorf("sqlstore: failed to update instance %s: %w", inst.ID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewConflict("instance", inst.ID, "update")
	}
	return nil
}

func (s *Store) countActive(ctx context.Context, q queryer, agentID string, role domain.Role) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM instances WHERE agent_id = $1 AND role = $2 AND is_active = $3`
	if err := q.QueryRowContext(ctx, s.q(query), agentID, role, true).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlstore: count %s: %w", role, err)
	}
	return n, nil
}

// InsertPrimary регистрирует первый PRIMARY агента. Второй активный PRIMARY не вставляется.
func (s *Store) InsertPrimary(ctx context.Context, inst *domain.Instance) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		n, err := s.countActive(ctx, tx, inst.AgentID, domain.RolePrimary)
		if err != nil {
			return err
		}
		if n > 0 {
			return &domain.InvariantViolation{AgentID: inst.AgentID, Detail: "agent already has an active primary"}
		}
		return s.insertInstance(ctx, tx, inst)
	})
}

// CreateReplicaParams — атомарное создание реплики вместе с командой для агента.
type CreateReplicaParams struct {
	Agent   *domain.Agent
	Replica *domain.Instance
	Command *domain.Command
	Now     time.Time
}

// CreateReplica в одной транзакции: проверка «нет второй активной реплики», вставка
// инстанса, вставка команды (ON CONFLICT request_id DO NOTHING) и CAS агента
// (current_replica_id). Возвращает false, если команда с таким requestId уже была:
// тогда ничего не меняется.
func (s *Store) CreateReplica(ctx context.Context, p CreateReplicaParams) (bool, error) {
	inserted := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.insertCommand(ctx, tx, p.Command)
		if err != nil {
			return err
		}
		if !ok {
			return nil // Дубликат: команда уже выпущена прошлым тиком
		}

		n, err := s.countActive(ctx, tx, p.Agent.ID, domain.RoleReplica)
		if err != nil {
			return err
		}
		if n > 0 {
			return &domain.InvariantViolation{AgentID: p.Agent.ID, Detail: "agent already has an active replica"}
		}
		if err := s.insertInstance(ctx, tx, p.Replica); err != nil {
			return err
		}

		next := *p.Agent
		next.CurrentReplicaID = p.Replica.ID
		next.UpdatedAt = p.Now
		if err := s.updateAgent(ctx, tx, &next); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		p.Agent.CurrentReplicaID = p.Replica.ID
		p.Agent.UpdatedAt = p.Now
		p.Agent.Version++
	}
	return inserted, nil
}

// SwitchParams описывает атомарную смену PRIMARY.
//   - Primary: текущий PRIMARY (может быть nil, если его уже нет);
//   - Replica: существующий инстанс, становящийся PRIMARY (nil при adopt нового);
//   - Adopted: новый инстанс для вставки, если Replica == nil;
//   - Command: promote-команда агенту (опционально);
//   - Events: события прерывания для закрытия (опционально, CAS по version).
type SwitchParams struct {
	AgentID string
	Primary *domain.Instance
	Replica *domain.Instance
	Adopted *domain.Instance
	Command *domain.Command
	Events  []*domain.InterruptionEvent
	Now     time.Time
}

// SwitchPrimary — единственная атомарная операция двух строк: old PRIMARY -> ZOMBIE и
// REPLICA -> PRIMARY (или вставка нового PRIMARY). Оба CAS по version; проверка
// «ровно один активный PRIMARY» перед commit. Промежуточного состояния не наблюдается.
// Структуры из параметров уже содержат целевые значения полей; версии
// увеличиваются только после успешного commit.
func (s *Store) SwitchPrimary(ctx context.Context, p SwitchParams) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if p.Primary != nil {
			if err := s.casInstance(ctx, tx, p.Primary); err != nil {
				return err
			}
		}
		switch {
		case p.Replica != nil:
			if err := s.casInstance(ctx, tx, p.Replica); err != nil {
				return err
			}
		case p.Adopted != nil:
			if err := s.insertInstance(ctx, tx, p.Adopted); err != nil {
				return err
			}
		}

		n, err := s.countActive(ctx, tx, p.AgentID, domain.RolePrimary)
		if err != nil {
			return err
		}
		if n != 1 {
			return &domain.InvariantViolation{
				AgentID: p.AgentID,
				Detail:  fmt.Sprintf("switch would leave %d active primaries", n),
			}
		}

		if p.Replica != nil {
			// Value-FK на агенте больше не указывает на реплику
			_, err := tx.ExecContext(ctx, s.q(`UPDATE agents SET current_replica_id = NULL, updated_at = $1
				WHERE id = $2 AND current_replica_id = $3`), p.Now.UTC(), p.AgentID, p.Replica.ID)
			if err != nil {
				return fmt.Errorf("sqlstore: clear current replica: %w", err)
			}
		}
		if p.Command != nil {
			if _, err := s.insertCommand(ctx, tx, p.Command); err != nil {
				return err
			}
		}
		for _, ev := range p.Events {
			if err := s.casEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if p.Primary != nil {
		p.Primary.Version++
	}
	if p.Replica != nil {
		p.Replica.Version++
	}
	for _, ev := range p.Events {
		ev.Version++
	}
	return nil
}

// RetireInstance — CAS инстанса плюс (опционально) команда terminate в одной транзакции.
// Неактивная реплика перестает быть current_replica_id агента.
func (s *Store) RetireInstance(ctx context.Context, inst *domain.Instance, cmd *domain.Command) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.casInstance(ctx, tx, inst); err != nil {
			return err
		}
		if !inst.IsActive {
			_, err := tx.ExecContext(ctx, s.q(`UPDATE agents SET current_replica_id = NULL
				WHERE id = $1 AND current_replica_id = $2`), inst.AgentID, inst.ID)
			if err != nil {
				return fmt.Errorf("sqlstore: clear current replica: %w", err)
			}
		}
		if cmd != nil {
			if _, err := s.insertCommand(ctx, tx, cmd); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	inst.Version++
	return nil
}

// PoolBootStats считает историю загрузки реплик по пулам: сколько запущено, сколько успело до дедлайна.
func (s *Store) PoolBootStats(ctx context.Context, since time.Time, deadline time.Duration) (map[string]domain.BootStats, error) {
	query := `SELECT pool_id, created_at, ready_at FROM instances
		WHERE purpose <> 'primary' AND created_at >= $1 AND pool_id <> ''`

	rows, err := s.db.QueryContext(ctx, s.q(query), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: pool boot stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]domain.BootStats)
	totals := make(map[string]time.Duration)
	readyCount := make(map[string]int)
	for rows.Next() {
		var (
			pool    string
			created time.Time
			ready   sql.NullTime
		)
		if err := rows.Scan(&pool, &created, &ready); err != nil {
			return nil, fmt.Errorf("sqlstore: scan boot sample: %w", err)
		}
		st := stats[pool]
		st.PoolID = pool
		st.Launched++
		if ready.Valid {
			boot := ready.Time.Sub(created)
			if boot <= deadline {
				st.OnTime++
			}
			totals[pool] += boot
			readyCount[pool]++
			if st.LastReadyAt == nil || ready.Time.After(*st.LastReadyAt) {
				t := ready.Time.UTC()
				st.LastReadyAt = &t
			}
		}
		stats[pool] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows iteration error: %w", err)
	}
	for pool, st := range stats {
		if c := readyCount[pool]; c > 0 {
			st.MeanBoot = totals[pool] / time.Duration(c)
			stats[pool] = st
		}
	}
	return stats, nil
}
