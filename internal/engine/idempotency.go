package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
)

// Idempotency — журнал requestId -> результат первой обработки отчета агента.
// Повтор с тем же requestId получает сохраненный ответ, леджер не трогается.
type Idempotency struct {
	store  IdempotencyStore
	logger *zap.Logger
	cfg    Config
}

func NewIdempotency(store IdempotencyStore, logger *zap.Logger, cfg Config) *Idempotency {
	return &Idempotency{
		store:  store,
		logger: logger.Named("idempotency"),
		cfg:    cfg.withDefaults(),
	}
}

// Do возвращает закешированный результат (hit=true) или выполняет apply и сохраняет его.
// Ошибка apply не записывается: агент повторит отчет и получит честную вторую попытку.
// При гонке двух одинаковых отчетов оба ответа берутся из сохраненной (первой) записи.
func (i *Idempotency) Do(ctx context.Context, requestID string, apply func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	if requestID == "" {
		return nil, false, fmt.Errorf("%w: request_id is required", domain.ErrInvalidRequest)
	}

	rec, err := i.store.GetIdempotency(ctx, requestID, i.cfg.Now())
	switch {
	case err == nil:
		i.logger.Debug("duplicate request served from cache", zap.String("request_id", requestID))
		return rec.Result, true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, err
	}

	result, err := apply(ctx)
	if err != nil {
		return nil, false, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: marshal result: %w", err)
	}

	now := i.cfg.Now().UTC()
	saved, err := i.store.SaveIdempotency(ctx, &domain.IdempotencyRecord{
		RequestID: requestID,
		Result:    raw,
		AppliedAt: now,
		ExpiresAt: now.Add(i.cfg.IdempotencyTTL),
	})
	if err != nil {
		// Побочные эффекты уже применены: отдаем результат, повтор отчета будет идемпотентен на уровне леджера
		i.logger.Error("failed to persist idempotency record", zap.String("request_id", requestID), zap.Error(err))
		return raw, false, nil
	}
	if saved {
		return raw, false, nil
	}

	// Конкурент успел раньше: отвечаем его результатом
	rec, err = i.store.GetIdempotency(ctx, requestID, now)
	if err != nil {
		return raw, false, nil
	}
	return rec.Result, true, nil
}

// Purge удаляет записи с истекшим TTL.
func (i *Idempotency) Purge(ctx context.Context) (int64, error) {
	return i.store.PurgeIdempotency(ctx, i.cfg.Now())
}
