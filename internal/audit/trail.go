package audit

/*
Файл trail.go реализует Audit Trail: неблокирующий сборщик событий переходов
состояний (агенты, инстансы, команды, события прерывания) для внешнего sink.

- Non-blocking: Log никогда не ждет БД, события кладутся в буферизированный канал.
  Горячий путь (промоут по дедлайну) не должен тормозить из-за аудита.
- Batching: накопление в памяти и пакетная запись по таймеру или по лимиту.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остатки и делает финальный flush.
- Load Shedding: при переполнении буфера событие уходит в лог вместо БД.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []TransitionEvent) error
}

type Auditor interface {
	Log(event TransitionEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	BufferGauge   prometheus.Gauge // опционально, backpressure
}

type Trail struct {
	ch     chan TransitionEvent
	repo   StorageInterface
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup

	mu     sync.RWMutex // Защищает закрытие канала от гонки с Log
	closed bool
}

func NewTrail(repo StorageInterface, logger *zap.Logger, opts Options) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:     make(chan TransitionEvent, opts.BufferSize),
		repo:   repo,
		logger: logger.With(zap.String("mod", "audit")),
		opts:   opts,
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer...")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event TransitionEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("entity_id", event.EntityID))
		return
	}

	select {
	case t.ch <- event:
		if t.opts.BufferGauge != nil {
			t.opts.BufferGauge.Set(float64(len(t.ch)))
		}
	default:
		// Буфер переполнен: не теряем событие целиком, оставляем след в логе
		t.logger.Error("audit_buffer_overflow",
			zap.String("entity_type", string(event.EntityType)),
			zap.String("entity_id", event.EntityID),
			zap.String("pre_state", event.PreState),
			zap.String("post_state", event.PostState),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]TransitionEvent, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту финального flush уже отменен
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if t.opts.BufferGauge != nil {
			t.opts.BufferGauge.Set(float64(len(t.ch)))
		}
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
