package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/console/handler"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка операторских токенов (RS256)
	authValidator auth.TokenValidator

	agentHandler *handler.AgentHandler // /v1/agents
	auditHandler *handler.AuditHandler // /v1/agents/{id}/transitions
}

// NewConsoleServer инициализирует сервер консоли оператора со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	agentH *handler.AgentHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		agentHandler:  agentH,
		auditHandler:  auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен со scope fleet.admin) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, domain.ScopeFleetAdmin, s.logger))

		r.Route("/v1/agents", func(r chi.Router) {
			r.Get("/", s.agentHandler.List) // ?all=true включает выведенных
			r.Route("/{agentID}", func(r chi.Router) {
				// Агент с инстансами и открытыми событиями
				r.Get("/", s.agentHandler.Get)
				r.Put("/mode", s.agentHandler.SetMode)
				// Ручное переключение пула (ярус manual override)
				r.Post("/switch", s.agentHandler.SwitchPool)
				r.Post("/disable", s.agentHandler.Disable)
				r.Post("/enable", s.agentHandler.Enable)
				r.Post("/retire", s.agentHandler.Retire)
				r.Get("/commands", s.agentHandler.Commands) // ?history=true&limit=50
				r.Get("/events", s.agentHandler.Events)
				r.Get("/transitions", s.auditHandler.GetTransitions)
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
