package engine

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/infra"
)

// Notifier будит long-poll агента, когда в его очереди появилась команда.
// Это только подсказка: источник истины: таблица commands, опрос остается внешним контрактом.
type Notifier interface {
	Notify(ctx context.Context, agentID string)
	// Subscribe возвращает канал пробуждений и функцию отписки.
	Subscribe(ctx context.Context, agentID string) (<-chan struct{}, func(), error)
}

// NopNotifier — без пробуждений: long-poll дожидается таймаута.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) {}

func (NopNotifier) Subscribe(context.Context, string) (<-chan struct{}, func(), error) {
	return nil, func() {}, nil
}

// LocalNotifier — пробуждения внутри одного процесса (embedded режим, тесты).
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, agentID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[agentID] {
		select {
		case ch <- struct{}{}:
		default: // Уже разбужен
		}
	}
}

func (n *LocalNotifier) Subscribe(_ context.Context, agentID string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[agentID] == nil {
		n.subs[agentID] = make(map[chan struct{}]struct{})
	}
	n.subs[agentID][ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[agentID], ch)
		if len(n.subs[agentID]) == 0 {
			delete(n.subs, agentID)
		}
	}
	return ch, cancel, nil
}

// RedisNotifier — пробуждения между репликами control plane через Redis Pub/Sub.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, logger: logger.With(zap.String("mod", "notifier"))}
}

func (n *RedisNotifier) Notify(ctx context.Context, agentID string) {
	// Ошибка не фатальна: агент заберет команду на следующем опросе
	if err := n.rdb.Publish(ctx, infra.CommandsChannel(agentID), "1").Err(); err != nil {
		n.logger.Warn("failed to publish command wake-up", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (n *RedisNotifier) Subscribe(ctx context.Context, agentID string) (<-chan struct{}, func(), error) {
	pubsub := n.rdb.Subscribe(ctx, infra.CommandsChannel(agentID))
	// Ждем подтверждения подписки, иначе Notify между Subscribe и ожиданием потеряется
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, func() {}, err
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}
