package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
)

// Queue — приоритетная очередь команд поверх таблицы commands.
// Порядок: ярус приоритета (100/75/25/10), затем порядок вставки. Агент видит только свою очередь.
// Доставка at-least-once: неподтвержденные команды выдаются повторно после RedeliverAfter.
type Queue struct {
	store    CommandStore
	notifier Notifier
	metrics  *Metrics
	logger   *zap.Logger
	cfg      Config
}

func NewQueue(store CommandStore, notifier Notifier, metrics *Metrics, logger *zap.Logger, cfg Config) *Queue {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Queue{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.Named("queue"),
		cfg:      cfg.withDefaults(),
	}
}

// Push ставит команду в очередь. false: команда с таким requestId уже есть.
func (q *Queue) Push(ctx context.Context, cmd *domain.Command) (bool, error) {
	inserted, err := q.store.InsertCommand(ctx, cmd)
	if err != nil {
		return false, err
	}
	if inserted {
		q.metrics.CommandsPushed.WithLabelValues(string(cmd.Type), priorityLabel(cmd.Priority)).Inc()
		q.notifier.Notify(ctx, cmd.AgentID)
	}
	return inserted, nil
}

// Poll выдает агенту его открытые команды. wait > 0: long-poll: при пустой очереди
// ждем пробуждения от Notifier или таймаута.
func (q *Queue) Poll(ctx context.Context, agentID string, wait time.Duration) ([]*domain.Command, error) {
	cmds, err := q.claim(ctx, agentID)
	if err != nil || len(cmds) > 0 || wait <= 0 {
		return cmds, err
	}

	wake, cancel, err := q.notifier.Subscribe(ctx, agentID)
	if err != nil {
		q.logger.Warn("long-poll subscription failed, returning empty batch", zap.String("agent_id", agentID), zap.Error(err))
		return cmds, nil
	}
	defer cancel()

	// Команда могла появиться между первой выборкой и подпиской
	if cmds, err = q.claim(ctx, agentID); err != nil || len(cmds) > 0 {
		return cmds, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return cmds, nil
	case <-timer.C:
		return cmds, nil
	case <-wake:
		return q.claim(ctx, agentID)
	}
}

func (q *Queue) claim(ctx context.Context, agentID string) ([]*domain.Command, error) {
	now := q.cfg.Now().UTC()
	cmds, err := q.store.ClaimForDelivery(ctx, agentID, now, now.Add(-q.cfg.RedeliverAfter))
	if err != nil {
		return nil, err
	}
	if len(cmds) > 0 {
		q.metrics.CommandsDelivered.Add(float64(len(cmds)))
		q.logger.Debug("commands delivered", zap.String("agent_id", agentID), zap.Int("count", len(cmds)))
	}
	return cmds, nil
}

// Pending — открытые команды агента без отметки о доставке (для консоли).
func (q *Queue) Pending(ctx context.Context, agentID string) ([]*domain.Command, error) {
	return q.store.ListOpenCommands(ctx, agentID)
}

func (q *Queue) History(ctx context.Context, agentID string, limit int) ([]*domain.Command, error) {
	return q.store.ListCommands(ctx, agentID, limit)
}
