package pricing

/*
Пакет pricing читает котировки внешнего Pricing Pipeline (цена и риск прерывания по пулам).
Только чтение: пайплайн наполняет Redis сам, ядро ничего в него не пишет.
Исключение: Seed для dev-окружения без пайплайна.
*/

import (
	"context"
	"fmt"
	"sort"

	"github.com/xela07ax/spotguard/internal/domain"
)

// Source отдает котировки пулов для пары регион/тип инстанса.
type Source interface {
	Quotes(ctx context.Context, region, instanceType string) ([]domain.PoolQuote, error)
}

// StaticQuote — котировка из конфигурации.
type StaticQuote struct {
	Region       string  `json:"region"`
	InstanceType string  `json:"instance_type"`
	PoolID       string  `json:"pool_id"`
	AZ           string  `json:"az"`
	Price        float64 `json:"price"`
	Risk         float64 `json:"risk"`
}

func (q StaticQuote) quote() domain.PoolQuote {
	return domain.PoolQuote{PoolID: q.PoolID, AZ: q.AZ, Price: q.Price, Risk: q.Risk}
}

// Static — неизменяемый список котировок из конфига.
type Static struct {
	byKey map[string][]domain.PoolQuote
}

func NewStatic(quotes []StaticQuote) *Static {
	s := &Static{byKey: make(map[string][]domain.PoolQuote)}
	for _, q := range quotes {
		k := key(q.Region, q.InstanceType)
		s.byKey[k] = append(s.byKey[k], q.quote())
	}
	for _, list := range s.byKey {
		sortQuotes(list)
	}
	return s
}

func (s *Static) Quotes(_ context.Context, region, instanceType string) ([]domain.PoolQuote, error) {
	list := s.byKey[key(region, instanceType)]
	out := make([]domain.PoolQuote, len(list))
	copy(out, list)
	return out, nil
}

func key(region, instanceType string) string {
	return fmt.Sprintf("%s/%s", region, instanceType)
}

// sortQuotes — стабильный порядок по poolId, чтобы выбор был детерминированным.
func sortQuotes(list []domain.PoolQuote) {
	sort.Slice(list, func(i, j int) bool { return list[i].PoolID < list[j].PoolID })
}
