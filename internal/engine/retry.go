package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
)

// errSettled — после конфликта перечитанное состояние показало, что операция больше
// неприменима (например, реплику уже промоутил другой процесс). Повтор не нужен,
// вызывающий получает исходный ConflictError.
var errSettled = errors.New("state already changed")

func settled(conflict error) error {
	return fmt.Errorf("%w: %w", errSettled, conflict)
}

// retryCAS повторяет fn при ConflictError с экспоненциальным бэкоффом и джиттером.
// attempt начинается с 0: на повторах fn обязан перечитать состояние из хранилища.
func (l *Ledger) retryCAS(ctx context.Context, op string, fn func(attempt uint) error) error {
	var attempt uint
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.cfg.CASRetryAttempts),
		retry.Delay(l.cfg.CASRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrConflict) && !errors.Is(err, errSettled)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			// Джиттер разводит конкурирующие реплики оркестратора по времени
			jitter := time.Duration(rand.Int64N(int64(l.cfg.CASRetryDelay) + 1))
			return retry.BackOffDelay(n, err, config) + jitter
		}),
	)

	err := r.Do(func() error {
		defer func() { attempt++ }()
		err := fn(attempt)
		if errors.Is(err, domain.ErrConflict) {
			l.metrics.CASConflicts.WithLabelValues(op).Inc()
		}
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			l.logger.Warn("cas conflict surfaced", zap.String("op", op), zap.Uint("attempts", attempt), zap.Error(err))
		}
		return err
	}
	return nil
}
