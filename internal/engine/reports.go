package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/domain"
)

// Ключи журнала идемпотентности разнесены по видам отчетов: requestId статуса реплики
// генерирует агент и он не должен пересекаться с requestId команд.
const (
	reportKindStatus  = "replica-status"
	reportKindCommand = "command-result"
)

func (o *Orchestrator) countReport(kind string, hit bool, err error) {
	outcome := "applied"
	switch {
	case err != nil:
		outcome = "error"
	case hit:
		outcome = "duplicate"
	}
	o.metrics.Reports.WithLabelValues(kind, outcome).Inc()
}

// ReportReplicaStatus применяет отчет о статусе реплики ровно один раз на requestId.
// ready до дедлайна открытого termination-события сразу промоутит реплику.
func (o *Orchestrator) ReportReplicaStatus(ctx context.Context, rep domain.ReplicaStatusReport) (*domain.ReplicaStatusResult, bool, error) {
	switch rep.Status {
	case domain.InstanceLaunching, domain.InstanceSyncing, domain.InstanceReady, domain.InstanceFailed:
	default:
		return nil, false, fmt.Errorf("%w: unsupported replica status %q", domain.ErrInvalidRequest, rep.Status)
	}
	if rep.ReplicaID == "" || rep.RequestID == "" {
		return nil, false, fmt.Errorf("%w: replica_id and request_id are required", domain.ErrInvalidRequest)
	}

	raw, hit, err := o.idem.Do(ctx, reportKindStatus+":"+rep.RequestID, func(ctx context.Context) (any, error) {
		return o.applyReplicaStatus(ctx, rep)
	})
	o.countReport(reportKindStatus, hit, err)
	if err != nil {
		return nil, false, err
	}
	var result domain.ReplicaStatusResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, hit, fmt.Errorf("decode cached replica status result: %w", err)
	}
	return &result, hit, nil
}

func (o *Orchestrator) applyReplicaStatus(ctx context.Context, rep domain.ReplicaStatusReport) (*domain.ReplicaStatusResult, error) {
	store := o.ledger.Store()
	inst, err := store.GetInstance(ctx, rep.ReplicaID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		zap.String("agent_id", inst.AgentID),
		zap.String("instance_id", inst.ID),
		zap.String("request_id", rep.RequestID),
		zap.String("status", string(rep.Status)),
	)

	// Поздний отчет по реплике, которую уже промоутили или снимают: фиксируем как есть
	if !inst.ActiveReplica() {
		log.Info("status report for inactive replica ignored", zap.String("state", inst.StateLabel()))
		return replicaResult(inst, false), nil
	}

	inst, _, err = o.ledger.SetReplicaStatus(ctx, inst.ID, rep.Status, audit.ActorAgent)
	if err != nil {
		return nil, err
	}

	switch rep.Status {
	case domain.InstanceReady:
		if _, err := store.CloseInstanceCommands(ctx, inst.ID, domain.CmdCreateReplica, domain.CommandExecuted, o.ledger.now()); err != nil {
			return nil, err
		}
		promoted, err := o.onReplicaReady(ctx, inst)
		if err != nil {
			return nil, err
		}
		if promoted != nil {
			log.Info("ready replica promoted on report")
			return replicaResult(promoted, true), nil
		}

	case domain.InstanceFailed:
		if err := o.onReplicaFailed(ctx, inst, "replica reported failed"); err != nil {
			return nil, err
		}
		if inst, err = store.GetInstance(ctx, inst.ID); err != nil {
			return nil, err
		}
		log.Warn("replica failed")
	}
	return replicaResult(inst, false), nil
}

func replicaResult(inst *domain.Instance, promoted bool) *domain.ReplicaStatusResult {
	return &domain.ReplicaStatusResult{
		ReplicaID: inst.ID,
		Status:    inst.Status,
		Role:      inst.Role,
		Version:   inst.Version,
		Promoted:  promoted,
	}
}

// onReplicaReady двигает событие, к которому привязана реплика. Возвращает промоутнутый
// инстанс, если реплика стала PRIMARY.
func (o *Orchestrator) onReplicaReady(ctx context.Context, replica *domain.Instance) (*domain.Instance, error) {
	state, err := o.ledger.Snapshot(ctx, replica.AgentID)
	if err != nil {
		return nil, err
	}
	ev := state.EventFor(replica)
	if ev == nil {
		return nil, nil
	}
	if err := o.advance(ctx, ev.ID); err != nil {
		return nil, err
	}
	after, err := o.ledger.Store().GetInstance(ctx, replica.ID)
	if err != nil {
		return nil, err
	}
	if after.ActivePrimary() {
		return after, nil
	}
	return nil, nil
}

// onReplicaFailed снимает реплику и, если она защищала открытое событие, запускает замену.
func (o *Orchestrator) onReplicaFailed(ctx context.Context, replica *domain.Instance, reason string) error {
	store := o.ledger.Store()
	if _, err := store.CloseInstanceCommands(ctx, replica.ID, domain.CmdCreateReplica, domain.CommandFailed, o.ledger.now()); err != nil {
		return err
	}
	if err := o.ledger.Teardown(ctx, replica.ID, audit.ActorOrchestrator, reason); err != nil {
		return err
	}

	state, err := o.ledger.Snapshot(ctx, replica.AgentID)
	if err != nil {
		return err
	}
	ev := state.EventFor(replica)
	if ev == nil {
		return nil // Постоянную реплику заменит Enforcer
	}
	o.logger.Warn("replica failed during open interruption, relaunching",
		zap.String("agent_id", replica.AgentID),
		zap.String("event_id", ev.ID),
		zap.String("failed_replica_id", replica.ID),
	)
	return o.advance(ctx, ev.ID)
}

// ReportCommandResult закрывает команду по отчету агента и применяет его последствия.
func (o *Orchestrator) ReportCommandResult(ctx context.Context, rep domain.SwitchReport) (*domain.SwitchResult, bool, error) {
	if rep.RequestID == "" {
		return nil, false, fmt.Errorf("%w: request_id is required", domain.ErrInvalidRequest)
	}
	raw, hit, err := o.idem.Do(ctx, reportKindCommand+":"+rep.RequestID, func(ctx context.Context) (any, error) {
		return o.applyCommandResult(ctx, rep)
	})
	o.countReport(reportKindCommand, hit, err)
	if err != nil {
		return nil, false, err
	}
	var result domain.SwitchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, hit, fmt.Errorf("decode cached command result: %w", err)
	}
	return &result, hit, nil
}

func (o *Orchestrator) applyCommandResult(ctx context.Context, rep domain.SwitchReport) (*domain.SwitchResult, error) {
	store := o.ledger.Store()
	cmd, err := store.GetCommandByRequestID(ctx, rep.RequestID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(
		zap.String("agent_id", cmd.AgentID),
		zap.String("command_id", cmd.ID),
		zap.String("type", string(cmd.Type)),
		zap.Bool("success", rep.Success),
	)

	status := domain.CommandExecuted
	if !rep.Success {
		status = domain.CommandFailed
	}

	switch cmd.Type {
	case domain.CmdCreateReplica:
		err = o.onCreateResult(ctx, cmd, rep)
	case domain.CmdPromoteReplica:
		if !rep.Success {
			// Леджер уже переключен: агент должен довести промоут, оператор видит ошибку
			log.Error("agent failed to execute promote", zap.String("message", rep.Message))
		}
	case domain.CmdTerminateInstance:
		if rep.Success {
			_, err = o.ledger.ConfirmTerminated(ctx, cmd.InstanceID, audit.ActorAgent)
		} else {
			// Новая версия: новый requestId: следующий тик выпустит повторную команду
			err = o.ledger.BumpInstance(ctx, cmd.InstanceID, audit.ActorAgent, "terminate failed: "+rep.Message)
		}
	case domain.CmdSwitchPool:
		err = o.onSwitchResult(ctx, cmd, rep)
	default:
		err = fmt.Errorf("%w: unknown command type %q", domain.ErrInvalidRequest, cmd.Type)
	}
	if err != nil {
		return nil, err
	}

	result, _ := json.Marshal(map[string]any{
		"success":         rep.Success,
		"new_instance_id": rep.NewInstanceID,
		"message":         rep.Message,
	})
	closed, err := store.CloseCommand(ctx, cmd.ID, status, result, o.ledger.now())
	if err != nil {
		return nil, err
	}
	if closed {
		o.ledger.record(ctx, audit.EntityCommand, cmd.ID, cmd.AgentID, string(cmd.Status), string(status), audit.ActorAgent, rep.Message)
	} else {
		// Команду уже закрыл отчет о статусе реплики (или истек TTL записи идемпотентности)
		status = cmd.Status
		if cmd.Open() {
			status = domain.CommandExecuted
		}
	}
	log.Info("command result applied")

	out := &domain.SwitchResult{CommandID: cmd.ID, Type: cmd.Type, Status: status}
	state, err := o.ledger.Snapshot(ctx, cmd.AgentID)
	if err != nil {
		return nil, err
	}
	if p := state.Primary(); p != nil {
		out.PrimaryID = p.ID
	}
	return out, nil
}

// onCreateResult: неудача запуска равна отчету failed. Успех с другим newInstanceId:
// агент не дождался реплики и поднял новый PRIMARY сам (аварийный запуск): adopt.
func (o *Orchestrator) onCreateResult(ctx context.Context, cmd *domain.Command, rep domain.SwitchReport) error {
	replica, err := o.ledger.Store().GetInstance(ctx, cmd.InstanceID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if !rep.Success {
		if replica == nil || !replica.ActiveReplica() {
			return nil
		}
		if _, _, err := o.ledger.SetReplicaStatus(ctx, replica.ID, domain.InstanceFailed, audit.ActorAgent); err != nil {
			return err
		}
		return o.onReplicaFailed(ctx, replica, "replica launch failed: "+rep.Message)
	}

	if rep.NewInstanceID == "" || rep.NewInstanceID == cmd.InstanceID {
		return nil // Готовность придет отчетом о статусе
	}
	eventID := commandEventID(cmd)
	if replica != nil && replica.EventID != "" {
		eventID = replica.EventID // retag мог перевести реплику под termination-событие
	}
	_, err = o.ledger.AdoptPrimary(ctx, AdoptSpec{
		AgentID:    cmd.AgentID,
		InstanceID: rep.NewInstanceID,
		PoolID:     cmd.TargetPoolID,
		Cause:      AdoptEmergencyLaunch,
		EventID:    eventID,
		Actor:      audit.ActorAgent,
		Reason:     "emergency launch reported",
	})
	if err != nil {
		return err
	}
	if replica != nil && replica.ActiveReplica() {
		if _, _, err := o.ledger.SetReplicaStatus(ctx, replica.ID, domain.InstanceFailed, audit.ActorAgent); err != nil {
			return err
		}
		return o.ledger.Teardown(ctx, replica.ID, audit.ActorOrchestrator, "superseded by emergency launch")
	}
	return nil
}

// commandEventID — событие прерывания, под которое выпущена команда.
func commandEventID(cmd *domain.Command) string {
	var p domain.CommandParams
	if len(cmd.Params) == 0 || json.Unmarshal(cmd.Params, &p) != nil {
		return ""
	}
	return p.EventID
}

// onSwitchResult завершает ручное переключение пула: новый инстанс становится PRIMARY.
func (o *Orchestrator) onSwitchResult(ctx context.Context, cmd *domain.Command, rep domain.SwitchReport) error {
	if rep.Success && rep.NewInstanceID != "" {
		_, err := o.ledger.AdoptPrimary(ctx, AdoptSpec{
			AgentID:    cmd.AgentID,
			InstanceID: rep.NewInstanceID,
			PoolID:     cmd.TargetPoolID,
			Cause:      AdoptPoolSwitch,
			Actor:      audit.ActorAgent,
			Reason:     "pool switch completed",
		})
		if err != nil {
			return err
		}
	}
	reason := "pool switch completed"
	if !rep.Success {
		reason = "pool switch failed: " + rep.Message
	}
	_, _, err := o.ledger.mutateAgent(ctx, cmd.AgentID, "switch-done", audit.ActorAgent, reason, func(a *domain.Agent) error {
		if a.Status != domain.AgentSwitching {
			return errNoChange
		}
		a.Status = domain.AgentOnline
		return nil
	})
	return err
}
