package domain

import "time"

// PoolQuote — цена и риск пула из внешнего Pricing Pipeline (только чтение).
type PoolQuote struct {
	PoolID string  `json:"pool_id"`
	AZ     string  `json:"az"`
	Price  float64 `json:"price"`
	Risk   float64 `json:"risk"` // 0..1, вероятность прерывания
}

// BootStats — история загрузки реплик в пуле, считается по собственному леджеру.
type BootStats struct {
	PoolID      string        `json:"pool_id"`
	Launched    int           `json:"launched"`
	OnTime      int           `json:"on_time"` // Стали ready до дедлайна
	MeanBoot    time.Duration `json:"mean_boot"`
	LastReadyAt *time.Time    `json:"last_ready_at,omitempty"`
}

func (b BootStats) OnTimeRate() float64 {
	if b.Launched == 0 {
		return 0
	}
	return float64(b.OnTime) / float64(b.Launched)
}
