package infra

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spotguard/internal/domain"
)

// HTTPStatus сопоставляет доменную ошибку с кодом ответа.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrNoPool):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAgentRetired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvariant):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON отдает тело как JSON с указанным кодом.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError отдает {"error": ...}. Детали внутренних ошибок наружу не уходят.
func WriteError(w http.ResponseWriter, err error) int {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteJSON(w, status, map[string]string{"error": msg})
	return status
}
