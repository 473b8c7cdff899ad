package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type RemoteOptions struct {
	Token         string
	CallTimeout   time.Duration
	Attempts      uint
	RateLimit     float64 // Запросов в секунду
	Burst         int
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	CBFailures    uint32           // Подряд неудач до размыкания
	BreakerGauge  prometheus.Gauge // опционально: 0 - закрыт, 1 - разомкнут
}

// Remote — клиент внешнего Decision Engine. Лимитер, предохранитель и ретраи;
// при любом отказе выбор делает fallback, чтобы аварийный запуск не ждал сеть.
type Remote struct {
	conn     grpc.ClientConnInterface
	fallback Strategy
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	opts     RemoteOptions
	logger   *zap.Logger
}

func NewRemote(conn grpc.ClientConnInterface, fallback Strategy, logger *zap.Logger, opts RemoteOptions) *Remote {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.CBMaxRequests == 0 {
		opts.CBMaxRequests = 3
	}
	if opts.CBInterval <= 0 {
		opts.CBInterval = 5 * time.Second
	}
	if opts.CBTimeout <= 0 {
		opts.CBTimeout = 30 * time.Second
	}
	if opts.CBFailures == 0 {
		opts.CBFailures = 5
	}
	logger = logger.Named("decision-remote")

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "decision-engine",
		MaxRequests: opts.CBMaxRequests,
		Interval:    opts.CBInterval,
		Timeout:     opts.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.CBFailures
		},
		// Отказ по отсутствию пула: ответ сервиса, а не его поломка
		IsSuccessful: func(err error) bool {
			return err == nil || status.Code(err) == codes.NotFound || status.Code(err) == codes.InvalidArgument
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			if opts.BreakerGauge != nil {
				if to == gobreaker.StateClosed {
					opts.BreakerGauge.Set(0)
				} else {
					opts.BreakerGauge.Set(1)
				}
			}
		},
	})

	return &Remote{
		conn:     conn,
		fallback: fallback,
		cb:       cb,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		opts:     opts,
		logger:   logger,
	}
}

func (r *Remote) SelectPool(ctx context.Context, req Request) (Choice, error) {
	choice, err := r.call(ctx, req)
	if err == nil {
		return choice, nil
	}
	if r.fallback == nil {
		return Choice{}, err
	}
	r.logger.Warn("remote decision failed, using local strategy",
		zap.String("agent_id", req.AgentID), zap.String("goal", string(req.Goal)), zap.Error(err))
	return r.fallback.SelectPool(ctx, req)
}

func (r *Remote) call(ctx context.Context, req Request) (Choice, error) {
	// 1. Rate Limiter
	if err := r.limiter.Wait(ctx); err != nil {
		return Choice{}, fmt.Errorf("rate limit exceeded: %w", err)
	}

	in, err := encodeRequest(req)
	if err != nil {
		return Choice{}, fmt.Errorf("encode decision request: %w", err)
	}
	if r.opts.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, r.opts.Token)
	}

	// 2. Circuit Breaker вокруг серии ретраев
	res, err := r.cb.Execute(func() (interface{}, error) {
		out := new(structpb.Struct)
		rt := retry.New(
			retry.Context(ctx),
			retry.Attempts(r.opts.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				switch status.Code(err) {
				case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
					return true
				}
				return false
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)
		retryErr := rt.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			return r.conn.Invoke(tCtx, selectPoolMethod, in, out)
		})
		return out, retryErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Choice{}, fmt.Errorf("decision engine unavailable: %w", err)
		}
		return Choice{}, err
	}

	choice, err := decodeChoice(res.(*structpb.Struct))
	if err != nil {
		return Choice{}, err
	}
	if choice.Source == "" {
		choice.Source = "remote"
	}
	return choice, nil
}
