package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spotguard/internal/domain"
)

// GetIdempotency возвращает живую (не истекшую) запись или ErrNotFound.
func (s *Store) GetIdempotency(ctx context.Context, requestID string, now time.Time) (*domain.IdempotencyRecord, error) {
	query := `SELECT request_id, result, applied_at, expires_at FROM idempotency_records
		WHERE request_id = $1 AND expires_at > $2`

	var (
		rec    domain.IdempotencyRecord
		result string
	)
	err := s.db.QueryRowContext(ctx, s.q(query), requestID, now.UTC()).
		Scan(&rec.RequestID, &result, &rec.AppliedAt, &rec.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("idempotency record %s: %w", requestID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("sqlstore: get idempotency: %w", err)
	}
	rec.Result = json.RawMessage(result)
	rec.AppliedAt = rec.AppliedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

// SaveIdempotency — первая запись побеждает (ON CONFLICT DO NOTHING). false — запись уже была.
// Просроченная запись с тем же ключом перезаписывается.
func (s *Store) SaveIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	query := `INSERT INTO idempotency_records (request_id, result, applied_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET result = excluded.result, applied_at = excluded.applied_at,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= excluded.applied_at`

	res, err := s.db.ExecContext(ctx, s.q(query),
		rec.RequestID, string(rec.Result), rec.AppliedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("sqlstore: save idempotency: %w", err)
	}
	n, err := affected(res)
	return n > 0, err
}

// PurgeIdempotency удаляет записи с истекшим TTL.
func (s *Store) PurgeIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM idempotency_records WHERE expires_at <= $1`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge idempotency: %w", err)
	}
	return affected(res)
}
