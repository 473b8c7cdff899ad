package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/engine"
	"github.com/xela07ax/spotguard/internal/infra"
)

// Заголовок ответа на повторно доставленный отчет (результат взят из журнала идемпотентности).
const replayHeader = "X-Idempotent-Replay"

type commandsResponse struct {
	Commands []*domain.Command `json:"commands"`
}

func (g *Gateway) register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.registry.Register(r.Context(), req)
	if err != nil {
		g.fail(w, r, "register", err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req domain.HeartbeatRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.AgentID = chi.URLParam(r, "agentID")
	resp, err := g.registry.Heartbeat(r.Context(), req)
	if err != nil {
		g.fail(w, r, "heartbeat", err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, resp)
}

func (g *Gateway) signal(w http.ResponseWriter, r *http.Request) {
	var req domain.SignalRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.AgentID = chi.URLParam(r, "agentID")
	ev, err := g.orch.HandleSignal(r.Context(), req)
	if err != nil {
		g.fail(w, r, "signal", err)
		return
	}
	infra.WriteJSON(w, http.StatusOK, ev)
}

func (g *Gateway) replicaStatus(w http.ResponseWriter, r *http.Request) {
	var rep domain.ReplicaStatusReport
	if !g.decode(w, r, &rep) {
		return
	}
	rep.ReplicaID = chi.URLParam(r, "replicaID")
	res, replay, err := g.orch.ReportReplicaStatus(r.Context(), rep)
	if err != nil {
		g.fail(w, r, "replica-status", err)
		return
	}
	if replay {
		w.Header().Set(replayHeader, "true")
	}
	infra.WriteJSON(w, http.StatusOK, res)
}

func (g *Gateway) commandReport(w http.ResponseWriter, r *http.Request) {
	var rep domain.SwitchReport
	if !g.decode(w, r, &rep) {
		return
	}
	res, replay, err := g.orch.ReportCommandResult(r.Context(), rep)
	if err != nil {
		g.fail(w, r, "command-report", err)
		return
	}
	if replay {
		w.Header().Set(replayHeader, "true")
	}
	infra.WriteJSON(w, http.StatusOK, res)
}

// poll отдает команды в порядке приоритета. ?wait=10s включает long-poll.
func (g *Gateway) poll(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	wait, err := parseWait(r.URL.Query().Get("wait"), g.opts.MaxWait)
	if err != nil {
		infra.WriteError(w, err)
		return
	}
	cmds, err := g.queue.Poll(r.Context(), agentID, wait)
	if err != nil {
		g.fail(w, r, "poll", err)
		return
	}
	if cmds == nil {
		cmds = []*domain.Command{}
	}
	infra.WriteJSON(w, http.StatusOK, commandsResponse{Commands: cmds})
}

func parseWait(raw string, limit time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, fmt.Errorf("%w: bad wait %q", domain.ErrInvalidRequest, raw)
	}
	return min(wait, limit), nil
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		infra.WriteError(w, fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := infra.WriteError(w, err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("trace_id", engine.TraceIDFromContext(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("agent request failed", fields...)
		return
	}
	g.logger.Info("agent request rejected", fields...)
}
