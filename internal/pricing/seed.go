package pricing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/infra"
)

// Seed заливает статические котировки в Redis, если hash пуст (dev-окружение без пайплайна).
// Распределенная блокировка (SetNX): только один процесс control plane пишет ключ.
// Непустой hash не трогается: данные настоящего пайплайна приоритетнее.
func Seed(ctx context.Context, rdb *redis.Client, logger *zap.Logger, quotes []StaticQuote) error {
	groups := make(map[[2]string][]StaticQuote)
	for _, q := range quotes {
		k := [2]string{q.Region, q.InstanceType}
		groups[k] = append(groups[k], q)
	}

	for k, group := range groups {
		region, instanceType := k[0], k[1]
		key := infra.PricingKey(region, instanceType)

		ok, err := rdb.SetNX(ctx, infra.PricingSeedLockKey(region, instanceType), "processing", 30*time.Second).Result()
		if err != nil || !ok {
			continue // Либо ошибка сети, либо другой уже заливает
		}

		count, err := rdb.HLen(ctx, key).Result()
		if err != nil {
			count = 0
			logger.Warn("could not check pricing hash size, proceeding with seed",
				zap.String("key", key), zap.Error(err))
		}
		if count > 0 {
			continue
		}

		logger.Info("pricing hash is empty, seeding static quotes",
			zap.String("key", key), zap.Int("count", len(group)))

		pipe := rdb.Pipeline()
		for _, q := range group {
			raw, err := encodeQuote(q.quote())
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, q.PoolID, raw)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
