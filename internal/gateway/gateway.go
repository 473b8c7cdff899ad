package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/engine"
)

// Registry — операции реестра, доступные агенту.
type Registry interface {
	Register(ctx context.Context, req domain.RegisterRequest) (*domain.RegisterResponse, error)
	Heartbeat(ctx context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error)
}

// Orchestrator принимает сигналы прерывания и отчеты агента.
type Orchestrator interface {
	HandleSignal(ctx context.Context, req domain.SignalRequest) (*domain.InterruptionEvent, error)
	ReportReplicaStatus(ctx context.Context, rep domain.ReplicaStatusReport) (*domain.ReplicaStatusResult, bool, error)
	ReportCommandResult(ctx context.Context, rep domain.SwitchReport) (*domain.SwitchResult, bool, error)
}

// CommandQueue выдает агенту его команды (long-poll).
type CommandQueue interface {
	Poll(ctx context.Context, agentID string, wait time.Duration) ([]*domain.Command, error)
}

type Options struct {
	// AgentTokens — допустимые значения X-Agent-Token. Пустой список отключает проверку.
	AgentTokens []string
	// MaxWait ограничивает ?wait= у long-poll.
	MaxWait time.Duration
	Metrics *engine.Metrics
}

// Gateway — HTTP API, через которое агенты общаются с control plane.
type Gateway struct {
	router   *chi.Mux
	registry Registry
	orch     Orchestrator
	queue    CommandQueue
	logger   *zap.Logger
	opts     Options
}

func New(registry Registry, orch Orchestrator, queue CommandQueue, logger *zap.Logger, opts Options) *Gateway {
	if opts.MaxWait <= 0 {
		opts.MaxWait = 30 * time.Second
	}
	g := &Gateway{
		router:   chi.NewRouter(),
		registry: registry,
		orch:     orch,
		queue:    queue,
		logger:   logger.Named("gateway"),
		opts:     opts,
	}
	g.routes()
	return g
}

func (g *Gateway) routes() {
	r := g.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)
	if g.opts.Metrics != nil {
		r.Use(engine.MetricsMiddleware(g.opts.Metrics))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(agentTokenMiddleware(g.opts.AgentTokens, g.logger))

		r.Post("/v1/agents/register", g.register)
		r.Route("/v1/agents/{agentID}", func(r chi.Router) {
			r.Post("/heartbeat", g.heartbeat)
			r.Post("/signals", g.signal)
			r.Get("/commands", g.poll)
		})
		r.Post("/v1/replicas/{replicaID}/status", g.replicaStatus)
		r.Post("/v1/commands/report", g.commandReport)
	})
}

// ServeHTTP позволяет использовать Gateway как стандартный http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}
