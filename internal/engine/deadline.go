package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/domain"
)

// CheckDeadlines закрывает termination-события с истекшим дедлайном (expired).
// Ошибка по одному событию не мешает остальным.
func (o *Orchestrator) CheckDeadlines(ctx context.Context) (int, error) {
	overdue, err := o.ledger.Store().ListOverdueEvents(ctx, o.ledger.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, ev := range overdue {
		if err := o.expire(ctx, ev); err != nil {
			o.logger.Error("failed to expire event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// ClearStaleRebalance закрывает rebalance-события, за которыми не последовал termination.
// Резервную реплику снимет следующий тик Enforcer-а (auto-switch).
func (o *Orchestrator) ClearStaleRebalance(ctx context.Context) (int, error) {
	now := o.ledger.now()
	stale, err := o.ledger.Store().ListStaleRebalance(ctx, now.Add(-o.ledger.Config().RebalanceClearAfter))
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, ev := range stale {
		_, changed, err := o.ledger.mutateEvent(ctx, ev.ID, "clear", audit.ActorDeadline, "rebalance cleared without termination",
			func(e *domain.InterruptionEvent) error {
				if !e.Open() || e.SignalType != domain.SignalRebalance {
					return errNoChange
				}
				e.State = domain.EventCleared
				e.ClosedAt = &now
				return nil
			})
		if err != nil {
			o.logger.Error("failed to clear rebalance event", zap.String("event_id", ev.ID), zap.Error(err))
			continue
		}
		if changed {
			cleared++
		}
	}
	return cleared, nil
}

// RunDeadlines — фоновый наблюдатель дедлайнов. Состояния между итерациями не держит.
func (o *Orchestrator) RunDeadlines(ctx context.Context) {
	interval := o.ledger.Config().DeadlineCheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.Info("deadline watcher started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("deadline watcher stopped")
			return
		case <-ticker.C:
			tctx := WithTraceID(ctx, "deadline-"+o.ledger.now().Format(time.RFC3339))
			if _, err := o.CheckDeadlines(tctx); err != nil {
				o.logger.Error("deadline check failed", zap.Error(err))
			}
			if _, err := o.ClearStaleRebalance(tctx); err != nil {
				o.logger.Error("rebalance clear failed", zap.Error(err))
			}
		}
	}
}
