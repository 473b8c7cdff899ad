package decision

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/pricing"
)

// BootHistory — статистика загрузки реплик по пулам из собственного леджера.
type BootHistory interface {
	PoolBootStats(ctx context.Context, since time.Time, deadline time.Duration) (map[string]domain.BootStats, error)
}

type LocalOptions struct {
	MaxRisk        float64       // Пулы рискованнее порога не выбираются (0: без порога)
	HistoryWindow  time.Duration // Сколько истории загрузки учитывать
	DefaultTimeout time.Duration // Граница «вовремя», если в запросе нет Deadline
	Now            func() time.Time
}

// Local выбирает пул по котировкам и истории загрузки. Без сети, без состояния.
type Local struct {
	quotes  pricing.Source
	history BootHistory
	opts    LocalOptions
	logger  *zap.Logger
}

func NewLocal(quotes pricing.Source, history BootHistory, logger *zap.Logger, opts LocalOptions) *Local {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 7 * 24 * time.Hour
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 120 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Local{quotes: quotes, history: history, opts: opts, logger: logger.Named("decision")}
}

func (l *Local) SelectPool(ctx context.Context, req Request) (Choice, error) {
	quotes, err := l.quotes.Quotes(ctx, req.Region, req.InstanceType)
	if err != nil {
		return Choice{}, err
	}

	candidates := make([]domain.PoolQuote, 0, len(quotes))
	for _, q := range quotes {
		if req.excluded(q.PoolID) {
			continue
		}
		if l.opts.MaxRisk > 0 && q.Risk > l.opts.MaxRisk {
			continue
		}
		candidates = append(candidates, q)
	}
	if len(candidates) == 0 {
		return Choice{}, fmt.Errorf("%w: %s/%s (%d quotes, all excluded or too risky)",
			domain.ErrNoPool, req.Region, req.InstanceType, len(quotes))
	}

	switch req.Goal {
	case GoalFastestBoot:
		if err := l.rankByBoot(ctx, req, candidates); err != nil {
			return Choice{}, err
		}
	default:
		rankByPrice(candidates)
	}

	best := candidates[0]
	return Choice{PoolID: best.PoolID, AZ: best.AZ, Price: best.Price, Risk: best.Risk, Source: "local"}, nil
}

// rankByPrice: цена, затем риск, затем poolId.
func rankByPrice(c []domain.PoolQuote) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Price != c[j].Price {
			return c[i].Price < c[j].Price
		}
		if c[i].Risk != c[j].Risk {
			return c[i].Risk < c[j].Risk
		}
		return c[i].PoolID < c[j].PoolID
	})
}

// rankByBoot: доля загрузок до дедлайна, затем средняя загрузка, затем цена.
// Пулы без истории уступают пулам с подтвержденной историей.
func (l *Local) rankByBoot(ctx context.Context, req Request, c []domain.PoolQuote) error {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = l.opts.DefaultTimeout
	}
	stats := map[string]domain.BootStats{}
	if l.history != nil {
		var err error
		stats, err = l.history.PoolBootStats(ctx, l.opts.Now().Add(-l.opts.HistoryWindow), deadline)
		if err != nil {
			// Без истории остается выбор по цене
			l.logger.Warn("boot history unavailable, ranking by price", zap.Error(err))
			rankByPrice(c)
			return nil
		}
	}

	mean := func(pool string) time.Duration {
		if st, ok := stats[pool]; ok && st.MeanBoot > 0 {
			return st.MeanBoot
		}
		return time.Duration(math.MaxInt64)
	}
	rankByPrice(c)
	sort.SliceStable(c, func(i, j int) bool {
		ri, rj := stats[c[i].PoolID].OnTimeRate(), stats[c[j].PoolID].OnTimeRate()
		if ri != rj {
			return ri > rj
		}
		return mean(c[i].PoolID) < mean(c[j].PoolID)
	})
	return nil
}
