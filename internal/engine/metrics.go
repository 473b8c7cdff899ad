package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/spotguard/internal/domain"
)

type Metrics struct {
	// Latency: сколько времени заняла обработка запроса агента
	RequestDuration *prometheus.HistogramVec

	// Queue: выпущенные и доставленные команды
	CommandsPushed    *prometheus.CounterVec
	CommandsDelivered prometheus.Counter

	// Reports: отчеты агентов, outcome = applied | duplicate | error
	Reports *prometheus.CounterVec

	// Ledger: конфликты CAS, отклоненные нарушения инварианта
	CASConflicts        *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec

	// Failover: сигналы, запуски реплик, промоуты, просроченные дедлайны
	Signals          *prometheus.CounterVec
	ReplicasLaunched *prometheus.CounterVec
	Promotions       *prometheus.CounterVec
	DeadlinesExpired prometheus.Counter

	// Enforcer: длительность тика и ошибки по агентам
	EnforcerTickDuration prometheus.Histogram
	EnforcerAgentErrors  prometheus.Counter
	AgentsUnreachable    prometheus.Counter

	// Saturation: состояние Circuit Breaker удаленного Decision Engine (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotguard_request_duration_seconds",
			Help:    "Histogram of agent API latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "status"}),

		CommandsPushed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_commands_pushed_total",
			Help: "Commands enqueued for agents.",
		}, []string{"type", "priority"}),

		CommandsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_commands_delivered_total",
			Help: "Commands handed to polling agents (including redeliveries).",
		}),

		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_reports_total",
			Help: "Agent reports by kind and outcome.",
		}, []string{"kind", "outcome"}),

		CASConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_cas_conflicts_total",
			Help: "Optimistic lock conflicts by operation.",
		}, []string{"op"}),

		InvariantViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_invariant_violations_total",
			Help: "Rejected operations that would break a fleet invariant.",
		}, []string{"op"}),

		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_interruption_signals_total",
			Help: "Interruption signals received.",
		}, []string{"type"}),

		ReplicasLaunched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_replicas_launched_total",
			Help: "Replica launches requested by purpose.",
		}, []string{"purpose"}),

		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_promotions_total",
			Help: "Primary changes by trigger (replica, adopt).",
		}, []string{"trigger"}),

		DeadlinesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_deadlines_expired_total",
			Help: "Termination events that expired without a ready replica.",
		}),

		EnforcerTickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spotguard_enforcer_tick_seconds",
			Help:    "Duration of a full enforcer scan.",
			Buckets: prometheus.DefBuckets,
		}),

		EnforcerAgentErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_enforcer_agent_errors_total",
			Help: "Per-agent reconciliation failures.",
		}),

		AgentsUnreachable: f.NewCounter(prometheus.CounterOpts{
			Name: "spotguard_agents_unreachable_total",
			Help: "Agents marked offline for undelivered commands.",
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotguard_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"target"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "spotguard_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

func priorityLabel(p domain.Priority) string {
	return strconv.Itoa(int(p))
}
