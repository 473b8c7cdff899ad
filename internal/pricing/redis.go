package pricing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/infra"
)

// quoteValue — значение поля hash: {"price": 0.031, "risk": 0.12, "az": "eu-west-1a"}.
type quoteValue struct {
	Price float64 `json:"price"`
	Risk  float64 `json:"risk"`
	AZ    string  `json:"az"`
}

// Redis читает hash spotguard:pricing:<region>:<instanceType> (field = poolId).
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger.With(zap.String("mod", "pricing"))}
}

func (r *Redis) Quotes(ctx context.Context, region, instanceType string) ([]domain.PoolQuote, error) {
	key := infra.PricingKey(region, instanceType)
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", key, err)
	}
	quotes := make([]domain.PoolQuote, 0, len(fields))
	for poolID, raw := range fields {
		q, err := decodeQuote(poolID, raw)
		if err != nil {
			// Битая запись пайплайна не должна ломать выбор среди остальных пулов
			r.logger.Warn("skipping malformed quote", zap.String("key", key), zap.String("pool_id", poolID), zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
	}
	sortQuotes(quotes)
	return quotes, nil
}

func decodeQuote(poolID, raw string) (domain.PoolQuote, error) {
	var v quoteValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.PoolQuote{}, err
	}
	if v.Price < 0 || v.Risk < 0 || v.Risk > 1 {
		return domain.PoolQuote{}, fmt.Errorf("quote out of range: price=%v risk=%v", v.Price, v.Risk)
	}
	return domain.PoolQuote{PoolID: poolID, AZ: v.AZ, Price: v.Price, Risk: v.Risk}, nil
}

func encodeQuote(q domain.PoolQuote) (string, error) {
	raw, err := json.Marshal(quoteValue{Price: q.Price, Risk: q.Risk, AZ: q.AZ})
	return string(raw), err
}
