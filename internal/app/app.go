package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/engine"
	"github.com/xela07ax/spotguard/internal/infra"
	"github.com/xela07ax/spotguard/internal/pricing"
	"github.com/xela07ax/spotguard/internal/repository/sqlstore"
)

// Core — общее ядро обоих бинарников: леджер, очередь, журнал идемпотентности и реестр.
type Core struct {
	Store    *sqlstore.Store
	Redis    *redis.Client // nil, если redis.addr пуст
	Trail    *audit.Trail
	Metrics  *engine.Metrics
	Local    *decision.Local
	Strategy decision.Strategy
	Ledger   *engine.Ledger
	Queue    *engine.Queue
	Idem     *engine.Idempotency

	closers []func() error
}

// Build поднимает ресурсы в порядке зависимостей. При ошибке уже открытое закрывается.
func Build(ctx context.Context, cfg *infra.Config, logger *zap.Logger, reg prometheus.Registerer) (core *Core, err error) {
	c := &Core{Metrics: engine.NewMetrics(reg)}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// 1. Леджер
	c.Store, err = sqlstore.Open(ctx, sqlstore.Dialect(cfg.Database.Driver), cfg.Database.URL, sqlstore.Options{
		MaxOpenConns:    cfg.Database.MaxConns,
		MaxIdleConns:    cfg.Database.MinConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Store.Close)

	// 2. Redis (опционален: без него пробуждение long-poll только внутри процесса)
	if cfg.Redis.Addr != "" {
		c.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		c.closers = append(c.closers, c.Redis.Close)
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
	}

	// 3. Аудит переходов: батчами в transition_log
	c.Trail = audit.NewTrail(c.Store, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
		BufferGauge:   c.Metrics.AuditBufferFill,
	})
	c.Trail.Start()
	c.closers = append(c.closers, func() error { c.Trail.Stop(); return nil })

	// 4. Котировки и стратегия выбора пула
	quotes, err := buildPricing(ctx, cfg, c.Redis, logger)
	if err != nil {
		return nil, err
	}
	c.Local = decision.NewLocal(quotes, c.Store, logger, LocalOptions(cfg))
	c.Strategy = c.Local
	if cfg.Decision.Strategy == "remote" {
		conn, err := grpc.NewClient(cfg.Decision.RemoteAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("decision engine client: %w", err)
		}
		c.closers = append(c.closers, conn.Close)
		c.Strategy = decision.NewRemote(conn, c.Local, logger, decision.RemoteOptions{
			Token:         cfg.Decision.RemoteToken,
			CallTimeout:   cfg.Decision.CallTimeout,
			Attempts:      cfg.Decision.Attempts,
			RateLimit:     cfg.Decision.RateLimit,
			Burst:         cfg.Decision.Burst,
			CBMaxRequests: cfg.Decision.CBMaxRequests,
			CBInterval:    cfg.Decision.CBInterval,
			CBTimeout:     cfg.Decision.CBTimeout,
			CBFailures:    cfg.Decision.CBFailures,
			BreakerGauge:  c.Metrics.CircuitBreakerState.WithLabelValues("decision-engine"),
		})
	}

	// 5. Ядро
	var notifier engine.Notifier = engine.NewLocalNotifier()
	if c.Redis != nil {
		notifier = engine.NewRedisNotifier(c.Redis, logger)
	}
	ecfg := EngineConfig(cfg.Engine)
	c.Ledger = engine.NewLedger(c.Store, c.Trail, notifier, c.Strategy, c.Metrics, logger, ecfg)
	c.Queue = engine.NewQueue(c.Store, notifier, c.Metrics, logger, ecfg)
	c.Idem = engine.NewIdempotency(c.Store, logger, ecfg)
	return c, nil
}

// ModePublisher — сигнал смены режима остальным процессам (nil без Redis).
func (c *Core) ModePublisher() engine.ModePublisher {
	if c.Redis == nil {
		return nil
	}
	return engine.NewRedisModePublisher(c.Redis)
}

// Close освобождает ресурсы в обратном порядке: сначала дописывается аудит, потом закрывается БД.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func EngineConfig(e infra.EngineConfig) engine.Config {
	return engine.Config{
		EnforcerInterval:      e.EnforcerInterval,
		EnforcerWorkers:       e.EnforcerWorkers,
		ReplicaLaunchTimeout:  e.ReplicaLaunchTimeout,
		TerminationDeadline:   e.TerminationDeadline,
		DeadlineCheckInterval: e.DeadlineCheckInterval,
		RebalanceClearAfter:   e.RebalanceClearAfter,
		IdempotencyTTL:        e.IdempotencyTTL,
		CASRetryAttempts:      e.CASRetryAttempts,
		RedeliverAfter:        e.RedeliverAfter,
		OfflineAfter:          e.OfflineAfter,
		UndeliveredAfter:      e.UndeliveredAfter,
		HeartbeatInterval:     e.HeartbeatInterval,
		PollInterval:          e.PollInterval,
		ExpiredAdoptWindow:    e.ExpiredAdoptWindow,
	}
}

// LocalOptions — параметры локальной стратегии. Граница «вовремя» для запросов без
// Deadline: дедлайн termination, под который и выбирается пул аварийного запуска.
func LocalOptions(cfg *infra.Config) decision.LocalOptions {
	return decision.LocalOptions{
		MaxRisk:        cfg.Decision.MaxRisk,
		DefaultTimeout: cfg.Engine.TerminationDeadline,
	}
}

func buildPricing(ctx context.Context, cfg *infra.Config, rdb *redis.Client, logger *zap.Logger) (pricing.Source, error) {
	static := make([]pricing.StaticQuote, 0, len(cfg.Pricing.Static))
	for _, q := range cfg.Pricing.Static {
		static = append(static, pricing.StaticQuote{
			Region:       q.Region,
			InstanceType: q.InstanceType,
			PoolID:       q.PoolID,
			AZ:           q.AZ,
			Price:        q.Price,
			Risk:         q.Risk,
		})
	}

	if cfg.Pricing.Source != "redis" {
		return pricing.NewStatic(static), nil
	}
	if cfg.Pricing.Seed && len(static) > 0 {
		if err := pricing.Seed(ctx, rdb, logger, static); err != nil {
			logger.Warn("pricing seed failed", zap.Error(err))
		}
	}
	return pricing.NewRedis(rdb, logger), nil
}
