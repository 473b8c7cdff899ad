package engine

import "time"

// Config — параметры ядра. Собирается в cmd из infra.Config.
type Config struct {
	EnforcerInterval      time.Duration
	EnforcerWorkers       int
	ReplicaLaunchTimeout  time.Duration
	TerminationDeadline   time.Duration
	DeadlineCheckInterval time.Duration
	RebalanceClearAfter   time.Duration
	IdempotencyTTL        time.Duration
	CASRetryAttempts      uint
	CASRetryDelay         time.Duration
	RedeliverAfter        time.Duration
	OfflineAfter          time.Duration
	UndeliveredAfter      time.Duration
	HeartbeatInterval     time.Duration
	PollInterval          time.Duration
	BootHistoryWindow     time.Duration
	// ExpiredAdoptWindow — сколько после дедлайна переустановка агента еще считается
	// аварийным запуском по просроченному событию.
	ExpiredAdoptWindow    time.Duration

	// Now — источник времени. В тестах подменяется управляемыми часами.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.EnforcerInterval <= 0 {
		c.EnforcerInterval = 10 * time.Second
	}
	if c.EnforcerWorkers <= 0 {
		c.EnforcerWorkers = 8
	}
	if c.ReplicaLaunchTimeout <= 0 {
		c.ReplicaLaunchTimeout = 10 * time.Minute
	}
	if c.TerminationDeadline <= 0 {
		c.TerminationDeadline = 120 * time.Second
	}
	if c.DeadlineCheckInterval <= 0 {
		c.DeadlineCheckInterval = time.Second
	}
	if c.RebalanceClearAfter <= 0 {
		c.RebalanceClearAfter = 10 * time.Minute
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.CASRetryAttempts == 0 {
		c.CASRetryAttempts = 5
	}
	if c.CASRetryDelay <= 0 {
		c.CASRetryDelay = 20 * time.Millisecond
	}
	if c.RedeliverAfter <= 0 {
		c.RedeliverAfter = 30 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 90 * time.Second
	}
	if c.UndeliveredAfter <= 0 {
		c.UndeliveredAfter = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BootHistoryWindow <= 0 {
		c.BootHistoryWindow = 7 * 24 * time.Hour
	}
	if c.ExpiredAdoptWindow <= 0 {
		c.ExpiredAdoptWindow = 15 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
