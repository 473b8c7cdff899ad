package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/infra"
)

// ListenModeSignals — "живучая" подписка на смены режима агентов из консоли.
// Обрабатывает переподключения и разбор сигналов формата "agent_id:mode".
// Сигнал только ускоряет реконсиляцию: пропущенное сообщение догонит следующий тик Enforcer-а.
func ListenModeSignals(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	onReconnect func() error, // Синхронизация при каждом (пере)подключении
	onMessage func(agentID string, mode domain.Mode),
) {
	channel := infra.RedisChanModeSignal
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				logger.Error("sync failed on reconnect", zap.Error(err))
			}
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				agentID, mode, ok := parseModeSignal(msg.Payload)
				if !ok {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(agentID, mode)
			}
		}

		pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func parseModeSignal(payload string) (string, domain.Mode, bool) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	mode := domain.Mode(parts[1])
	if !mode.Valid() {
		return "", "", false
	}
	return parts[0], mode, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ModePublisher рассылает смену режима всем репликам control plane.
type ModePublisher interface {
	PublishMode(ctx context.Context, agentID string, mode domain.Mode) error
}

type RedisModePublisher struct {
	rdb *redis.Client
}

func NewRedisModePublisher(rdb *redis.Client) *RedisModePublisher {
	return &RedisModePublisher{rdb: rdb}
}

func (p *RedisModePublisher) PublishMode(ctx context.Context, agentID string, mode domain.Mode) error {
	return p.rdb.Publish(ctx, infra.RedisChanModeSignal, agentID+":"+string(mode)).Err()
}
