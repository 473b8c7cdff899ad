package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/spotguard/internal/console/service"
	"github.com/xela07ax/spotguard/internal/infra"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetTransitions возвращает журнал переходов агента
// GET /v1/agents/{agentID}/transitions?limit=...
func (h *AuditHandler) GetTransitions(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.FetchTransitions(r.Context(), chi.URLParam(r, "agentID"), limitParam(r))
	if err != nil {
		infra.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch audit logs"})
		return
	}
	infra.WriteJSON(w, http.StatusOK, logs)
}
