package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/console/service"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/infra"
	"github.com/xela07ax/spotguard/internal/infra/auth"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

type modeRequest struct {
	Mode domain.Mode `json:"mode"`
}

type switchRequest struct {
	PoolID string `json:"pool_id"`
}

func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.ListAgents(r.Context(), r.URL.Query().Get("all") == "true")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, agents)
}

func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	details, err := h.service.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, details)
}

func (h *AgentHandler) SetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		infra.WriteError(w, fmt.Errorf("%w: malformed body", domain.ErrInvalidRequest))
		return
	}
	agent, err := h.service.SetMode(r.Context(), chi.URLParam(r, "agentID"), req.Mode, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, agent)
}

// SwitchPool: пустой pool_id: самый дешевый пул, отличный от текущего.
func (h *AgentHandler) SwitchPool(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			infra.WriteError(w, fmt.Errorf("%w: malformed body", domain.ErrInvalidRequest))
			return
		}
	}
	cmd, err := h.service.SwitchPool(r.Context(), chi.URLParam(r, "agentID"), req.PoolID, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusAccepted, cmd)
}

func (h *AgentHandler) Disable(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, h.service.Disable)
}

func (h *AgentHandler) Enable(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, h.service.Enable)
}

func (h *AgentHandler) Retire(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, h.service.Retire)
}

func (h *AgentHandler) Commands(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.service.Commands(r.Context(), chi.URLParam(r, "agentID"), r.URL.Query().Get("history") == "true", limitParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, cmds)
}

func (h *AgentHandler) Events(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Events(r.Context(), chi.URLParam(r, "agentID"), limitParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, events)
}

type statusFunc func(ctx context.Context, agentID, actor string) (*domain.Agent, error)

func (h *AgentHandler) status(w http.ResponseWriter, r *http.Request, fn statusFunc) {
	agent, err := fn(r.Context(), chi.URLParam(r, "agentID"), actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, agent)
}

func (h *AgentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := infra.WriteError(w, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("console request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// actor — оператор из токена, попадает в журнал переходов.
func actor(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		return claims.Operator()
	}
	return "operator"
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
