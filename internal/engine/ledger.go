package engine

/*
Файл ledger.go: Instance Ledger: все переходы ролей и статусов инстансов.

- Каждая запись: CAS по version. Конфликт ретраится (retry.go) с перечитыванием состояния.
- Смена PRIMARY (промоут реплики, adopt после локального фейловера агента): одна
  транзакция хранилища: промежуточное состояние с двумя PRIMARY не наблюдается.
- Каждый переход уходит в аудит (fire-and-forget).
- Команды агентам вставляются в той же транзакции, что и переход, с детерминированным
  requestId: повторный прогон Enforcer-а ничего нового не создаст.
*/

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/repository/sqlstore"
)

// Пространство имен для детерминированных requestId команд.
var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("spotguard/commands"))

var errNoChange = errors.New("no change")

type Ledger struct {
	store    Store
	auditor  audit.Auditor
	notifier Notifier
	strategy decision.Strategy
	metrics  *Metrics
	logger   *zap.Logger
	cfg      Config
}

func NewLedger(store Store, auditor audit.Auditor, notifier Notifier, strategy decision.Strategy, metrics *Metrics, logger *zap.Logger, cfg Config) *Ledger {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Ledger{
		store:    store,
		auditor:  auditor,
		notifier: notifier,
		strategy: strategy,
		metrics:  metrics,
		logger:   logger.Named("ledger"),
		cfg:      cfg.withDefaults(),
	}
}

func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) Config() Config { return l.cfg }

func (l *Ledger) now() time.Time { return l.cfg.Now().UTC() }

// RequestID — детерминированный requestId по составным частям (id сущности, действие, версия).
func RequestID(parts ...any) string {
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, fmt.Sprint(p))
	}
	return uuid.NewSHA1(requestNamespace, []byte(strings.Join(s, "|"))).String()
}

func (l *Ledger) newCommand(agentID string, typ domain.CommandType, instanceID, poolID string, prio domain.Priority, params domain.CommandParams, requestID string) *domain.Command {
	return &domain.Command{
		ID:           uuid.New().String(),
		AgentID:      agentID,
		Type:         typ,
		InstanceID:   instanceID,
		TargetPoolID: poolID,
		Params:       params.Marshal(),
		Priority:     prio,
		RequestID:    requestID,
		Status:       domain.CommandPending,
		CreatedAt:    l.now(),
	}
}

func (l *Ledger) record(ctx context.Context, kind audit.EntityType, id, agentID, pre, post, actor, reason string) {
	if l.auditor == nil {
		return
	}
	l.auditor.Log(audit.TransitionEvent{
		EntityType: kind,
		EntityID:   id,
		AgentID:    agentID,
		PreState:   pre,
		PostState:  post,
		Actor:      actor,
		TraceID:    TraceIDFromContext(ctx),
		Reason:     reason,
		Timestamp:  l.now(),
	})
}

func (l *Ledger) commandPushed(ctx context.Context, cmd *domain.Command, actor string) {
	l.metrics.CommandsPushed.WithLabelValues(string(cmd.Type), priorityLabel(cmd.Priority)).Inc()
	l.record(ctx, audit.EntityCommand, cmd.ID, cmd.AgentID, "", string(domain.CommandPending), actor, string(cmd.Type))
	l.notifier.Notify(ctx, cmd.AgentID)
}

// invariantViolated — баг-класс: операция отклонена целиком, пишем в аудит и лог уровня error.
func (l *Ledger) invariantViolated(ctx context.Context, op string, iv *domain.InvariantViolation) {
	l.metrics.InvariantViolations.WithLabelValues(op).Inc()
	l.logger.Error("fleet invariant violation rejected",
		zap.String("op", op),
		zap.String("agent_id", iv.AgentID),
		zap.String("detail", iv.Detail),
	)
	l.record(ctx, audit.EntityAgent, iv.AgentID, iv.AgentID, "", "invariant-violation", "ledger", iv.Detail)
}

// guard оборачивает финальную ошибку операции: нарушения инварианта всегда доходят до аудита.
func (l *Ledger) guard(ctx context.Context, op string, err error) error {
	var iv *domain.InvariantViolation
	if errors.As(err, &iv) {
		l.invariantViolated(ctx, op, iv)
	}
	return err
}

// AgentState — снимок агента для одного решения. Между вызовами не кешируется.
type AgentState struct {
	Agent     *domain.Agent
	Instances []*domain.Instance          // Включая TERMINATED
	Events    []*domain.InterruptionEvent // Только открытые
}

// Snapshot читает текущее состояние агента из леджера.
func (l *Ledger) Snapshot(ctx context.Context, agentID string) (*AgentState, error) {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	instances, err := l.store.ListInstances(ctx, agentID, true)
	if err != nil {
		return nil, err
	}
	events, err := l.store.ListOpenEvents(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &AgentState{Agent: agent, Instances: instances, Events: events}, nil
}

func (s *AgentState) Primary() *domain.Instance {
	for _, inst := range s.Instances {
		if inst.ActivePrimary() {
			return inst
		}
	}
	return nil
}

// ActiveReplicas — активные реплики от самой старой к самой новой.
func (s *AgentState) ActiveReplicas() []*domain.Instance {
	result := make([]*domain.Instance, 0, 1)
	for _, inst := range s.Instances {
		if inst.ActiveReplica() {
			result = append(result, inst)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (s *AgentState) ReadyReplica() *domain.Instance {
	for _, r := range s.ActiveReplicas() {
		if r.Status == domain.InstanceReady {
			return r
		}
	}
	return nil
}

func (s *AgentState) InFlightReplica() *domain.Instance {
	for _, r := range s.ActiveReplicas() {
		if r.InFlight() {
			return r
		}
	}
	return nil
}

// Generation — сколько инстансов агент видел за всю жизнь. Входит в requestId
// create-replica, чтобы замена упавшей реплики получила новый ключ.
func (s *AgentState) Generation() int {
	return len(s.Instances)
}

func (s *AgentState) OpenTermination() *domain.InterruptionEvent {
	for _, ev := range s.Events {
		if ev.SignalType == domain.SignalTermination {
			return ev
		}
	}
	return nil
}

// EventFor — открытое событие, к которому привязана реплика.
func (s *AgentState) EventFor(replica *domain.Instance) *domain.InterruptionEvent {
	for _, ev := range s.Events {
		if ev.ReplicaID == replica.ID || (replica.EventID != "" && ev.ID == replica.EventID) {
			return ev
		}
	}
	return nil
}

// SelectPool спрашивает стратегию; при отказе возвращает пул агента по умолчанию,
// чтобы аварийный запуск не блокировался на внешнем сервисе.
func (l *Ledger) SelectPool(ctx context.Context, agent *domain.Agent, goal decision.Goal, exclude ...string) string {
	fallback := domain.ComposePoolID(agent.InstanceType, agent.AZ)
	if l.strategy == nil {
		return fallback
	}
	choice, err := l.strategy.SelectPool(ctx, decision.Request{
		AgentID:      agent.ID,
		InstanceType: agent.InstanceType,
		Region:       agent.Region,
		Goal:         goal,
		ExcludePools: exclude,
		Deadline:     l.cfg.TerminationDeadline,
	})
	if err != nil || choice.PoolID == "" {
		l.logger.Warn("pool selection failed, using agent default pool",
			zap.String("agent_id", agent.ID),
			zap.String("goal", string(goal)),
			zap.Error(err),
		)
		return fallback
	}
	return choice.PoolID
}

// LaunchSpec описывает запуск реплики.
type LaunchSpec struct {
	State     *AgentState
	PoolID    string
	Purpose   domain.Purpose
	EventID   string
	Priority  domain.Priority
	Emergency bool
	Actor     string
	Reason    string
}

// LaunchReplica — одна попытка: вставка REPLICA(launching) + create-replica команды + CAS агента.
// false без ошибки: такая команда уже выпущена (дубликат тика).
func (l *Ledger) LaunchReplica(ctx context.Context, spec LaunchSpec) (*domain.Instance, bool, error) {
	agent := spec.State.Agent
	now := l.now()

	replica := &domain.Instance{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Role:      domain.RoleReplica,
		Status:    domain.InstanceLaunching,
		PoolID:    spec.PoolID,
		IsActive:  true,
		Purpose:   spec.Purpose,
		EventID:   spec.EventID,
		CreatedAt: now,
	}
	var primaryID string
	if p := spec.State.Primary(); p != nil {
		primaryID = p.ID
	}

	key := agent.ID
	if spec.EventID != "" {
		key = spec.EventID
	}
	cmd := l.newCommand(agent.ID, domain.CmdCreateReplica, replica.ID, spec.PoolID, spec.Priority, domain.CommandParams{
		ReplicaID:    replica.ID,
		PrimaryID:    primaryID,
		InstanceType: agent.InstanceType,
		Region:       agent.Region,
		Emergency:    spec.Emergency,
		EventID:      spec.EventID,
		Reason:       spec.Reason,
	}, RequestID(key, domain.CmdCreateReplica, spec.State.Generation()))

	created, err := l.store.CreateReplica(ctx, sqlstore.CreateReplicaParams{
		Agent:   agent,
		Replica: replica,
		Command: cmd,
		Now:     now,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return nil, false, nil
	}

	l.metrics.ReplicasLaunched.WithLabelValues(string(spec.Purpose)).Inc()
	l.record(ctx, audit.EntityInstance, replica.ID, agent.ID, "", replica.StateLabel(), spec.Actor, spec.Reason)
	l.commandPushed(ctx, cmd, spec.Actor)
	l.logger.Info("replica launch requested",
		zap.String("agent_id", agent.ID),
		zap.String("instance_id", replica.ID),
		zap.String("pool_id", spec.PoolID),
		zap.String("purpose", string(spec.Purpose)),
		zap.Int("priority", int(spec.Priority)),
	)
	return replica, true, nil
}

// EnsureReplica — запуск реплики с повтором при конфликте: на каждой попытке снимок
// перечитывается, plan решает заново (false: запуск больше не нужен).
func (l *Ledger) EnsureReplica(ctx context.Context, agentID string, plan func(s *AgentState) (LaunchSpec, bool)) (*domain.Instance, bool, error) {
	var (
		replica  *domain.Instance
		launched bool
	)
	err := l.retryCAS(ctx, "launch", func(attempt uint) error {
		state, err := l.Snapshot(ctx, agentID)
		if err != nil {
			return err
		}
		spec, ok := plan(state)
		if !ok {
			replica, launched = nil, false
			return nil
		}
		spec.State = state
		replica, launched, err = l.LaunchReplica(ctx, spec)
		return err
	})
	if err != nil {
		return nil, false, l.guard(ctx, "launch", err)
	}
	return replica, launched, nil
}

// PromoteReplica атомарно делает реплику PRIMARY, а текущий PRIMARY: ZOMBIE.
// expectedVersion — версия реплики, на основании которой принято решение: если ее
// успел изменить конкурент и реплика больше не готова, возвращается ConflictError.
// eventID (опционально) закрывает событие прерывания в той же транзакции.
func (l *Ledger) PromoteReplica(ctx context.Context, agentID, replicaID string, expectedVersion int64, eventID, actor string) (*domain.Instance, error) {
	var promoted *domain.Instance
	err := l.retryCAS(ctx, "promote", func(attempt uint) error {
		now := l.now()
		replica, err := l.store.GetInstance(ctx, replicaID)
		if err != nil {
			return err
		}
		if replica.AgentID != agentID {
			return fmt.Errorf("%w: replica %s does not belong to agent %s", domain.ErrInvalidRequest, replicaID, agentID)
		}
		if replica.Version != expectedVersion {
			conflict := domain.NewConflict("instance", replicaID, "promote")
			if !replica.ActiveReplica() || replica.Status != domain.InstanceReady {
				return settled(conflict)
			}
			expectedVersion = replica.Version
		}
		if err := replica.CanTransitionTo(domain.RolePrimary); err != nil {
			return err
		}

		instances, err := l.store.ListInstances(ctx, agentID, false)
		if err != nil {
			return err
		}
		state := &AgentState{Instances: instances}
		params := sqlstore.SwitchParams{AgentID: agentID, Now: now}

		primary := state.Primary()
		var prePrimary string
		if primary != nil {
			if err := primary.CanTransitionTo(domain.RoleZombie); err != nil {
				return err
			}
			prePrimary = primary.StateLabel()
			primary.Role = domain.RoleZombie
			primary.IsActive = false
			params.Primary = primary
		}

		preReplica := replica.StateLabel()
		replica.Role = domain.RolePrimary
		replica.Status = domain.InstanceRunning
		params.Replica = replica

		var (
			ev       *domain.InterruptionEvent
			preEvent string
		)
		if eventID != "" {
			ev, err = l.store.GetEvent(ctx, eventID)
			if err != nil {
				return err
			}
			preEvent = string(ev.State)
			if ev.Open() {
				ev.State = domain.EventPromoted
				ev.Resolution = domain.ResolutionReplicaPromoted
				ev.ReplicaID = replica.ID
				ev.ClosedAt = &now
				params.Events = []*domain.InterruptionEvent{ev}
			} else {
				ev = nil
			}
		}

		cp := domain.CommandParams{ReplicaID: replica.ID, Reason: "promote"}
		if primary != nil {
			cp.PrimaryID = primary.ID
		}
		if ev != nil {
			cp.EventID = ev.ID
			cp.Emergency = ev.SignalType == domain.SignalTermination
		}
		cmd := l.newCommand(agentID, domain.CmdPromoteReplica, replica.ID, replica.PoolID, domain.PriorityEmergency, cp,
			RequestID(replica.ID, domain.CmdPromoteReplica, expectedVersion))
		params.Command = cmd

		if err := l.store.SwitchPrimary(ctx, params); err != nil {
			return err
		}

		l.record(ctx, audit.EntityInstance, replica.ID, agentID, preReplica, replica.StateLabel(), actor, "promote")
		if primary != nil {
			l.record(ctx, audit.EntityInstance, primary.ID, agentID, prePrimary, primary.StateLabel(), actor, "superseded by "+replica.ID)
		}
		if ev != nil {
			l.record(ctx, audit.EntityEvent, ev.ID, agentID, preEvent, string(ev.State), actor, string(ev.Resolution))
		}
		l.commandPushed(ctx, cmd, actor)
		promoted = replica
		return nil
	})
	if err != nil {
		return nil, l.guard(ctx, "promote", err)
	}

	l.metrics.Promotions.WithLabelValues("replica").Inc()
	l.logger.Info("replica promoted to primary",
		zap.String("agent_id", agentID),
		zap.String("instance_id", promoted.ID),
		zap.String("event_id", eventID),
	)
	return promoted, nil
}

// AdoptCause — откуда пришел adopt. От причины зависит, какое событие прерывания
// прежнего PRIMARY получает resolution emergency-launch.
type AdoptCause int

const (
	// AdoptEmergencyLaunch — отчет по create-команде события: агент поднял PRIMARY сам.
	AdoptEmergencyLaunch AdoptCause = iota
	// AdoptReinstall — регистрация агента с нового инстанса без команды.
	AdoptReinstall
	// AdoptPoolSwitch — завершение ручной смены пула. Событий не атрибутирует.
	AdoptPoolSwitch
)

// AdoptSpec описывает adopt.
type AdoptSpec struct {
	AgentID    string
	InstanceID string
	PoolID     string
	Cause      AdoptCause
	// EventID — событие, под которое выпускалась create-команда (AdoptEmergencyLaunch).
	EventID string
	Actor   string
	Reason  string
}

// AdoptPrimary сверяет леджер с реальностью после локального фейловера агента, ручной
// смены пула или переустановки: spec.InstanceID становится PRIMARY, прежний PRIMARY: ZOMBIE.
// Известный инстанс (реплика, зомби, инстанс удаленного агента) переводится на месте,
// неизвестный вставляется. Открытые события прежнего PRIMARY закрываются в той же транзакции.
func (l *Ledger) AdoptPrimary(ctx context.Context, spec AdoptSpec) (*domain.Instance, error) {
	agentID, instanceID, poolID := spec.AgentID, spec.InstanceID, spec.PoolID
	var adopted *domain.Instance
	err := l.retryCAS(ctx, "adopt", func(attempt uint) error {
		now := l.now()
		instances, err := l.store.ListInstances(ctx, agentID, false)
		if err != nil {
			return err
		}
		state := &AgentState{Instances: instances}
		primary := state.Primary()
		if primary != nil && primary.ID == instanceID {
			adopted = primary
			return nil
		}

		params := sqlstore.SwitchParams{AgentID: agentID, Now: now}
		var pre string
		existing, err := l.store.GetInstance(ctx, instanceID)
		switch {
		case err == nil:
			if existing.AgentID != agentID {
				owner, err := l.store.GetAgent(ctx, existing.AgentID)
				if err != nil {
					return err
				}
				if owner.Status != domain.AgentDeleted {
					return fmt.Errorf("%w: instance %s is bound to agent %s", domain.ErrInvalidRequest, instanceID, owner.ID)
				}
				existing.AgentID = agentID // Переустановка после Retire
			}
			pre = existing.StateLabel()
			existing.Role = domain.RolePrimary
			existing.Status = domain.InstanceRunning
			existing.IsActive = true
			existing.TerminatedAt = nil
			if poolID != "" {
				existing.PoolID = poolID
			}
			params.Replica = existing
			adopted = existing
		case errors.Is(err, domain.ErrNotFound):
			adopted = &domain.Instance{
				ID:        instanceID,
				AgentID:   agentID,
				Role:      domain.RolePrimary,
				Status:    domain.InstanceRunning,
				PoolID:    poolID,
				IsActive:  true,
				Purpose:   domain.PurposePrimary,
				CreatedAt: now,
			}
			params.Adopted = adopted
		default:
			return err
		}

		var prePrimary string
		preEvents := map[string]string{}
		if primary != nil {
			prePrimary = primary.StateLabel()
			primary.Role = domain.RoleZombie
			primary.IsActive = false
			params.Primary = primary

			attributed, cleared, err := l.adoptEvents(ctx, spec, primary.ID, now)
			if err != nil {
				return err
			}
			if attributed != nil {
				preEvents[attributed.ID] = string(attributed.State)
				if attributed.Open() {
					attributed.State = domain.EventPromoted
					attributed.ClosedAt = &now
				}
				attributed.Resolution = domain.ResolutionEmergencyLaunch
				attributed.ReplicaID = instanceID
				params.Events = append(params.Events, attributed)
			}
			for _, ev := range cleared {
				preEvents[ev.ID] = string(ev.State)
				ev.State = domain.EventCleared
				ev.ClosedAt = &now
				params.Events = append(params.Events, ev)
			}
		}

		if err := l.store.SwitchPrimary(ctx, params); err != nil {
			adopted = nil
			return err
		}

		l.record(ctx, audit.EntityInstance, adopted.ID, agentID, pre, adopted.StateLabel(), spec.Actor, spec.Reason)
		if primary != nil {
			l.record(ctx, audit.EntityInstance, primary.ID, agentID, prePrimary, primary.StateLabel(), spec.Actor, "superseded by "+instanceID)
		}
		for _, ev := range params.Events {
			reason := string(ev.Resolution)
			if ev.State == domain.EventCleared {
				reason = "primary replaced by " + instanceID
			}
			l.record(ctx, audit.EntityEvent, ev.ID, agentID, preEvents[ev.ID], string(ev.State), spec.Actor, reason)
		}
		return nil
	})
	if err != nil {
		return nil, l.guard(ctx, "adopt", err)
	}

	l.metrics.Promotions.WithLabelValues("adopt").Inc()
	l.logger.Info("primary adopted",
		zap.String("agent_id", agentID),
		zap.String("instance_id", instanceID),
		zap.String("event_id", spec.EventID),
		zap.String("reason", spec.Reason),
	)
	return adopted, nil
}

// adoptEvents разбирает события прежнего PRIMARY. attributed — событие, к которому
// относится adopt: событие create-команды, а при переустановке termination-событие,
// открытое или просроченное не раньше ExpiredAdoptWindow назад. Смена пула событий
// не атрибутирует. cleared — остальные открытые события: защищать больше некого.
func (l *Ledger) adoptEvents(ctx context.Context, spec AdoptSpec, primaryID string, now time.Time) (attributed *domain.InterruptionEvent, cleared []*domain.InterruptionEvent, err error) {
	open, err := l.store.ListOpenEvents(ctx, spec.AgentID)
	if err != nil {
		return nil, nil, err
	}
	for _, ev := range open {
		if ev.InstanceID != primaryID {
			continue
		}
		if attributed == nil && l.attributable(spec, ev, primaryID, now) {
			attributed = ev
			continue
		}
		cleared = append(cleared, ev)
	}
	if attributed != nil {
		return attributed, cleared, nil
	}

	// Просроченное событие ждет пост-фактум подтверждения аварийного запуска
	var ev *domain.InterruptionEvent
	switch {
	case spec.Cause == AdoptEmergencyLaunch && spec.EventID != "":
		ev, err = l.store.GetEvent(ctx, spec.EventID)
	case spec.Cause == AdoptReinstall:
		ev, err = l.store.LatestExpiredEvent(ctx, spec.AgentID, primaryID)
	default:
		return nil, cleared, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, cleared, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if l.attributable(spec, ev, primaryID, now) {
		attributed = ev
	}
	return attributed, cleared, nil
}

func (l *Ledger) attributable(spec AdoptSpec, ev *domain.InterruptionEvent, primaryID string, now time.Time) bool {
	if ev.InstanceID != primaryID || ev.SignalType != domain.SignalTermination {
		return false
	}
	awaiting := ev.State == domain.EventExpired && ev.Resolution == domain.ResolutionExpired
	switch spec.Cause {
	case AdoptEmergencyLaunch:
		return ev.ID == spec.EventID && (ev.Open() || awaiting)
	case AdoptReinstall:
		if ev.Open() {
			return true
		}
		return awaiting && ev.Deadline != nil && !now.After(ev.Deadline.Add(l.cfg.ExpiredAdoptWindow))
	}
	return false
}

// Teardown выводит инстанс из эксплуатации: реплика -> terminating (неактивна) плюс
// terminate-команда яруса cleanup. Для ZOMBIE и уже снимаемых реплик только
// гарантирует наличие открытой terminate-команды. Активный PRIMARY не трогается.
func (l *Ledger) Teardown(ctx context.Context, instanceID, actor, reason string) error {
	err := l.retryCAS(ctx, "teardown", func(attempt uint) error {
		inst, err := l.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		switch inst.Role {
		case domain.RoleTerminated:
			return nil
		case domain.RolePrimary:
			return fmt.Errorf("%w: refusing to tear down primary %s", domain.ErrInvalidTransition, inst.ID)
		}

		params := domain.CommandParams{Reason: reason}
		if inst.Role == domain.RoleReplica && inst.Status != domain.InstanceTerminating {
			pre := inst.StateLabel()
			inst.Status = domain.InstanceTerminating
			inst.IsActive = false
			// Ключ по версии после перехода: следующий тик увидит ту же версию и не продублирует команду
			cmd := l.newCommand(inst.AgentID, domain.CmdTerminateInstance, inst.ID, inst.PoolID, domain.PriorityCleanup,
				params, RequestID(inst.ID, domain.CmdTerminateInstance, inst.Version+1))
			if err := l.store.RetireInstance(ctx, inst, cmd); err != nil {
				return err
			}
			l.record(ctx, audit.EntityInstance, inst.ID, inst.AgentID, pre, inst.StateLabel(), actor, reason)
			l.commandPushed(ctx, cmd, actor)
			return nil
		}

		cmd := l.newCommand(inst.AgentID, domain.CmdTerminateInstance, inst.ID, inst.PoolID, domain.PriorityCleanup,
			params, RequestID(inst.ID, domain.CmdTerminateInstance, inst.Version))
		inserted, err := l.store.InsertCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if inserted {
			l.commandPushed(ctx, cmd, actor)
		}
		return nil
	})
	return l.guard(ctx, "teardown", err)
}

// mutateInstance — перечитать, применить fn, CAS. errNoChange из fn — записи не будет.
func (l *Ledger) mutateInstance(ctx context.Context, id, op, actor, reason string, fn func(inst *domain.Instance) error) (*domain.Instance, bool, error) {
	var (
		result  *domain.Instance
		changed bool
	)
	err := l.retryCAS(ctx, op, func(attempt uint) error {
		inst, err := l.store.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		pre := inst.StateLabel()
		if err := fn(inst); err != nil {
			if errors.Is(err, errNoChange) {
				result, changed = inst, false
				return nil
			}
			return err
		}
		if err := l.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		if post := inst.StateLabel(); post != pre {
			l.record(ctx, audit.EntityInstance, inst.ID, inst.AgentID, pre, post, actor, reason)
		}
		result, changed = inst, true
		return nil
	})
	if err != nil {
		return nil, false, l.guard(ctx, op, err)
	}
	return result, changed, nil
}

// SetReplicaStatus применяет отчет о статусе реплики. Повтор того же статуса: без записи.
func (l *Ledger) SetReplicaStatus(ctx context.Context, replicaID string, status domain.InstanceStatus, actor string) (*domain.Instance, bool, error) {
	return l.mutateInstance(ctx, replicaID, "replica-status", actor, "status report", func(inst *domain.Instance) error {
		if inst.Status == status {
			return errNoChange
		}
		if err := inst.CanSetStatus(status); err != nil {
			return err
		}
		inst.Status = status
		switch status {
		case domain.InstanceReady:
			t := l.now()
			inst.ReadyAt = &t
		case domain.InstanceFailed, domain.InstanceTerminating:
			inst.IsActive = false
		}
		return nil
	})
}

// ConfirmTerminated — агент подтвердил удаление облачного ресурса.
func (l *Ledger) ConfirmTerminated(ctx context.Context, instanceID, actor string) (*domain.Instance, error) {
	inst, _, err := l.mutateInstance(ctx, instanceID, "confirm-terminated", actor, "terminate confirmed", func(inst *domain.Instance) error {
		if inst.Role == domain.RoleTerminated {
			return errNoChange
		}
		if err := inst.CanTransitionTo(domain.RoleTerminated); err != nil {
			return err
		}
		t := l.now()
		inst.Role = domain.RoleTerminated
		inst.IsActive = false
		inst.TerminatedAt = &t
		return nil
	})
	return inst, err
}

// BumpInstance увеличивает version без изменения полей: следующий тик выпустит
// terminate-команду с новым requestId (после неудачной попытки агента).
func (l *Ledger) BumpInstance(ctx context.Context, instanceID, actor, reason string) error {
	_, _, err := l.mutateInstance(ctx, instanceID, "bump", actor, reason, func(inst *domain.Instance) error {
		if inst.Role == domain.RoleTerminated {
			return errNoChange
		}
		return nil
	})
	return err
}

// mutateAgent — перечитать агента, применить fn, CAS.
func (l *Ledger) mutateAgent(ctx context.Context, id, op, actor, reason string, fn func(a *domain.Agent) error) (*domain.Agent, bool, error) {
	var (
		result  *domain.Agent
		changed bool
	)
	err := l.retryCAS(ctx, op, func(attempt uint) error {
		a, err := l.store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		pre := agentLabel(a)
		if err := fn(a); err != nil {
			if errors.Is(err, errNoChange) {
				result, changed = a, false
				return nil
			}
			return err
		}
		a.UpdatedAt = l.now()
		if err := l.store.UpdateAgent(ctx, a); err != nil {
			return err
		}
		if post := agentLabel(a); post != pre {
			l.record(ctx, audit.EntityAgent, a.ID, a.ID, pre, post, actor, reason)
		}
		result, changed = a, true
		return nil
	})
	if err != nil {
		return nil, false, l.guard(ctx, op, err)
	}
	return result, changed, nil
}

func agentLabel(a *domain.Agent) string {
	return string(a.Status) + "/" + string(a.Mode())
}

// mutateEvent — перечитать событие, применить fn, CAS.
func (l *Ledger) mutateEvent(ctx context.Context, id, op, actor, reason string, fn func(ev *domain.InterruptionEvent) error) (*domain.InterruptionEvent, bool, error) {
	var (
		result  *domain.InterruptionEvent
		changed bool
	)
	err := l.retryCAS(ctx, op, func(attempt uint) error {
		ev, err := l.store.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		pre := string(ev.State)
		if err := fn(ev); err != nil {
			if errors.Is(err, errNoChange) {
				result, changed = ev, false
				return nil
			}
			return err
		}
		if err := l.store.UpdateEvent(ctx, ev); err != nil {
			return err
		}
		l.record(ctx, audit.EntityEvent, ev.ID, ev.AgentID, pre, string(ev.State), actor, reason)
		result, changed = ev, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}
