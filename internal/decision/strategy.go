package decision

/*
Пакет decision выбирает пул для новой реплики. Это чистый read-only запрос:
ни одна стратегия не меняет состояние леджера.

  - local: цены и риск из pricing.Source плюс собственная история загрузки реплик;
  - remote: внешний Decision Engine по gRPC, с лимитером, предохранителем и ретраями,
    при отказе откатывается на local.
*/

import (
	"context"
	"time"
)

type Goal string

const (
	GoalCheapest    Goal = "cheapest"     // Постоянная горячая реплика
	GoalFastestBoot Goal = "fastest-boot" // Реплика под сигнал прерывания
)

type Request struct {
	AgentID      string
	InstanceType string
	Region       string
	Goal         Goal
	ExcludePools []string
	// Deadline — граница «успела вовремя» для истории загрузки.
	Deadline time.Duration
}

type Choice struct {
	PoolID string  `json:"pool_id"`
	AZ     string  `json:"az"`
	Price  float64 `json:"price"`
	Risk   float64 `json:"risk"`
	Source string  `json:"source"`
}

// Strategy инжектится в ядро при старте. Глобального синглтона нет.
type Strategy interface {
	SelectPool(ctx context.Context, req Request) (Choice, error)
}

func (r Request) excluded(poolID string) bool {
	for _, p := range r.ExcludePools {
		if p == poolID {
			return true
		}
	}
	return false
}
