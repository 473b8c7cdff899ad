package engine

/*
Файл emergency.go: Emergency Orchestrator: реакция на сигналы прерывания.

- rebalance: мягкое предупреждение. Нет готовой реплики: запускаем ее в пуле с лучшей
  историей загрузки (fastest-boot).
- termination: жесткий дедлайн (120s по умолчанию). Готовая реплика промоутится сразу,
  поднимающаяся ждет своего ready, иначе аварийный запуск.
- termination поверх открытого rebalance того же инстанса перетегирует существующее
  событие и реплику: второй запуск не начинается.
- Ни в одном пути нет вызовов облака: только записи в леджер и команды агенту.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
)

type Orchestrator struct {
	ledger  *Ledger
	idem    *Idempotency
	metrics *Metrics
	logger  *zap.Logger
}

func NewOrchestrator(ledger *Ledger, idem *Idempotency, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		ledger:  ledger,
		idem:    idem,
		metrics: ledger.metrics,
		logger:  logger.Named("orchestrator"),
	}
}

// HandleSignal открывает (или обновляет) событие прерывания и двигает его вперед.
func (o *Orchestrator) HandleSignal(ctx context.Context, req domain.SignalRequest) (*domain.InterruptionEvent, error) {
	if !req.SignalType.Valid() {
		return nil, fmt.Errorf("%w: unknown signal type %q", domain.ErrInvalidRequest, req.SignalType)
	}
	if req.AgentID == "" || req.InstanceID == "" {
		return nil, fmt.Errorf("%w: agent_id and instance_id are required", domain.ErrInvalidRequest)
	}

	store := o.ledger.Store()
	agent, err := store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Retired() {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrAgentRetired, agent.ID, agent.Status)
	}
	inst, err := store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.AgentID != agent.ID {
		return nil, fmt.Errorf("%w: instance %s does not belong to agent %s", domain.ErrInvalidRequest, inst.ID, agent.ID)
	}

	o.metrics.Signals.WithLabelValues(string(req.SignalType)).Inc()
	now := o.ledger.now()
	detectedAt := req.DetectedAt.UTC()
	if detectedAt.IsZero() || detectedAt.After(now) {
		detectedAt = now
	}

	log := o.logger.With(
		zap.String("agent_id", agent.ID),
		zap.String("instance_id", inst.ID),
		zap.String("signal", string(req.SignalType)),
	)

	// Сигнал по реплике или уже уходящему инстансу: фейловер не нужен, только учет
	if !inst.ActivePrimary() {
		if inst.ActiveReplica() {
			if _, _, err := o.ledger.SetReplicaStatus(ctx, inst.ID, domain.InstanceFailed, audit.ActorOrchestrator); err != nil {
				return nil, err
			}
			if err := o.ledger.Teardown(ctx, inst.ID, audit.ActorOrchestrator, "replica interrupted"); err != nil {
				return nil, err
			}
			log.Warn("interruption signal for replica, replacing it")
		}
		return o.recordClosed(ctx, agent, inst.ID, req.SignalType, detectedAt, domain.EventCleared, "signal for non-primary instance")
	}

	if agent.Mode() == domain.ModeNone {
		log.Info("interruption signal recorded, failover disabled for agent")
		return o.recordClosed(ctx, agent, inst.ID, req.SignalType, detectedAt, domain.EventCleared, "failover disabled")
	}

	ev, err := o.openEvent(ctx, agent.ID, inst.ID, req.SignalType, detectedAt)
	if err != nil {
		return nil, err
	}
	log.Info("interruption signal accepted",
		zap.String("event_id", ev.ID),
		zap.String("state", string(ev.State)),
	)

	if err := o.advance(ctx, ev.ID); err != nil {
		return nil, err
	}
	return store.GetEvent(ctx, ev.ID)
}

// recordClosed записывает сигнал, по которому действий не будет.
func (o *Orchestrator) recordClosed(ctx context.Context, agent *domain.Agent, instanceID string, sig domain.SignalType, detectedAt time.Time, state domain.EventState, reason string) (*domain.InterruptionEvent, error) {
	now := o.ledger.now()
	ev := &domain.InterruptionEvent{
		ID:         uuid.New().String(),
		AgentID:    agent.ID,
		InstanceID: instanceID,
		SignalType: sig,
		State:      state,
		Resolution: domain.ResolutionNone,
		DetectedAt: detectedAt,
		ClosedAt:   &now,
	}
	if err := o.ledger.Store().InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	o.ledger.record(ctx, audit.EntityEvent, ev.ID, agent.ID, "", string(ev.State), audit.ActorOrchestrator, reason)
	return ev, nil
}

// openEvent находит открытое событие инстанса или создает новое. termination поверх
// rebalance перетегирует существующее событие и получает дедлайн.
func (o *Orchestrator) openEvent(ctx context.Context, agentID, instanceID string, sig domain.SignalType, detectedAt time.Time) (*domain.InterruptionEvent, error) {
	store := o.ledger.Store()
	deadline := detectedAt.Add(o.ledger.Config().TerminationDeadline)

	existing, err := store.FindOpenEvent(ctx, instanceID)
	switch {
	case err == nil:
		if sig != domain.SignalTermination || existing.SignalType == domain.SignalTermination {
			return existing, nil // Повторный сигнал: событие уже в работе
		}
		ev, _, err := o.ledger.mutateEvent(ctx, existing.ID, "supersede", audit.ActorOrchestrator, "termination supersedes rebalance",
			func(ev *domain.InterruptionEvent) error {
				if !ev.Open() || ev.SignalType == domain.SignalTermination {
					return errNoChange
				}
				ev.SignalType = domain.SignalTermination
				ev.Deadline = &deadline
				return nil
			})
		if err != nil {
			return nil, err
		}
		if ev.Open() {
			if ev.ReplicaID != "" {
				if err := o.retag(ctx, ev.ReplicaID, ev.ID); err != nil {
					return nil, err
				}
			}
			return ev, nil
		}
		// rebalance успели закрыть: termination открывает новое событие
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	ev := &domain.InterruptionEvent{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		InstanceID: instanceID,
		SignalType: sig,
		State:      domain.EventDetected,
		Resolution: domain.ResolutionNone,
		DetectedAt: detectedAt,
	}
	if sig == domain.SignalTermination {
		ev.Deadline = &deadline
	}
	if err := store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}
	o.ledger.record(ctx, audit.EntityEvent, ev.ID, agentID, "", string(ev.State), audit.ActorOrchestrator, string(sig))
	return ev, nil
}

// retag переводит поднимающуюся реплику под termination-событие (purpose, event_id).
func (o *Orchestrator) retag(ctx context.Context, replicaID, eventID string) error {
	_, _, err := o.ledger.mutateInstance(ctx, replicaID, "retag", audit.ActorOrchestrator, "retagged for termination",
		func(inst *domain.Instance) error {
			if !inst.ActiveReplica() || (inst.Purpose == domain.PurposeTermination && inst.EventID == eventID) {
				return errNoChange
			}
			inst.Purpose = domain.PurposeTermination
			inst.EventID = eventID
			return nil
		})
	return err
}

// errRecheck — снимок устарел между чтением и записью, шаг нужно повторить.
var errRecheck = errors.New("state changed, recheck")

// advance — шаг конечного автомата события по текущему снимку агента.
// Безопасен для повторного вызова: повтор дает тот же результат.
func (o *Orchestrator) advance(ctx context.Context, eventID string) error {
	var err error
	for range 3 {
		err = o.step(ctx, eventID)
		// Реплику успел создать или промоутить конкурент: следующий шаг увидит новое состояние
		if !errors.Is(err, errRecheck) && !errors.Is(err, domain.ErrInvariant) && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	}
	if errors.Is(err, errRecheck) {
		return nil
	}
	return o.ledger.guard(ctx, "advance", err)
}

func (o *Orchestrator) step(ctx context.Context, eventID string) error {
	ev, err := o.ledger.Store().GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	now := o.ledger.now()
	if !ev.Open() {
		return nil
	}
	if ev.Overdue(now) {
		return o.expire(ctx, ev)
	}

	state, err := o.ledger.Snapshot(ctx, ev.AgentID)
	if err != nil {
		return err
	}
	primary := state.Primary()
	if primary == nil || primary.ID != ev.InstanceID {
		// PRIMARY уже сменился (adopt, ручной switch): событие больше некому защищать
		_, _, err := o.ledger.mutateEvent(ctx, ev.ID, "clear", audit.ActorOrchestrator, "primary already replaced",
			func(e *domain.InterruptionEvent) error {
				if !e.Open() {
					return errNoChange
				}
				e.State = domain.EventCleared
				e.ClosedAt = &now
				return nil
			})
		return err
	}

	if ready := state.ReadyReplica(); ready != nil {
		if ev.SignalType == domain.SignalTermination {
			_, err := o.ledger.PromoteReplica(ctx, ev.AgentID, ready.ID, ready.Version, ev.ID, audit.ActorOrchestrator)
			return err
		}
		return o.link(ctx, ev.ID, ready.ID, domain.EventReplicaReady)
	}

	if inflight := state.InFlightReplica(); inflight != nil {
		if ev.SignalType == domain.SignalTermination {
			if err := o.retag(ctx, inflight.ID, ev.ID); err != nil {
				return err
			}
		}
		return o.link(ctx, ev.ID, inflight.ID, domain.EventReplicaCreating)
	}

	purpose := domain.PurposeRebalance
	if ev.SignalType == domain.SignalTermination {
		purpose = domain.PurposeTermination
	}
	replica, _, err := o.ledger.EnsureReplica(ctx, ev.AgentID, func(s *AgentState) (LaunchSpec, bool) {
		if len(s.ActiveReplicas()) > 0 {
			return LaunchSpec{}, false
		}
		return LaunchSpec{
			PoolID:    o.ledger.SelectPool(ctx, s.Agent, decision.GoalFastestBoot, primary.PoolID),
			Purpose:   purpose,
			EventID:   ev.ID,
			Priority:  domain.PriorityEmergency,
			Emergency: ev.SignalType == domain.SignalTermination,
			Actor:     audit.ActorOrchestrator,
			Reason:    string(ev.SignalType) + " notice",
		}, true
	})
	if err != nil {
		return err
	}
	if replica == nil {
		// Реплика появилась между снимками (или команда уже выпущена)
		return errRecheck
	}
	return o.link(ctx, ev.ID, replica.ID, domain.EventReplicaCreating)
}

// link привязывает реплику к событию и выставляет его состояние.
func (o *Orchestrator) link(ctx context.Context, eventID, replicaID string, next domain.EventState) error {
	_, _, err := o.ledger.mutateEvent(ctx, eventID, "link", audit.ActorOrchestrator, "replica "+replicaID,
		func(ev *domain.InterruptionEvent) error {
			if !ev.Open() {
				return errNoChange
			}
			if ev.State == next && ev.ReplicaID == replicaID {
				return errNoChange
			}
			if err := ev.CanTransitionTo(next); err != nil {
				return err
			}
			ev.State = next
			ev.ReplicaID = replicaID
			return nil
		})
	return err
}

// expire закрывает просроченное termination-событие. Оркестратор отступает до следующего
// сигнала: агент переедет сам и отчитается, отчет пройдет через adopt.
func (o *Orchestrator) expire(ctx context.Context, ev *domain.InterruptionEvent) error {
	now := o.ledger.now()
	expired := &domain.DeadlineExpired{EventID: ev.ID, InstanceID: ev.InstanceID}
	if ev.Deadline != nil {
		expired.Deadline = *ev.Deadline
	}

	_, changed, err := o.ledger.mutateEvent(ctx, ev.ID, "expire", audit.ActorDeadline, expired.Error(),
		func(e *domain.InterruptionEvent) error {
			if !e.Overdue(now) {
				return errNoChange
			}
			e.State = domain.EventExpired
			e.Resolution = domain.ResolutionExpired
			e.ClosedAt = &now
			return nil
		})
	if err != nil || !changed {
		return err
	}

	o.metrics.DeadlinesExpired.Inc()
	o.logger.Warn("termination deadline expired, standing down until next signal",
		zap.String("agent_id", ev.AgentID),
		zap.String("event_id", ev.ID),
		zap.String("replica_id", ev.ReplicaID),
		zap.Error(expired),
	)
	return nil
}
