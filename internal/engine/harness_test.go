package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/audit"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/pricing"
	"github.com/xela07ax/spotguard/internal/repository/sqlstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	poolA = "m5.large@us-east-1a" // PRIMARY при регистрации
	poolB = "m5.large@us-east-1b" // самый дешевый
	poolC = "m5.large@us-east-1c"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memAuditor struct {
	mu     sync.Mutex
	events []audit.TransitionEvent
}

func (a *memAuditor) Log(e audit.TransitionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *memAuditor) forEntity(id string) []audit.TransitionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.TransitionEvent
	for _, e := range a.events {
		if e.EntityID == id {
			out = append(out, e)
		}
	}
	return out
}

func (a *memAuditor) withPost(post string) []audit.TransitionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.TransitionEvent
	for _, e := range a.events {
		if e.PostState == post {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *fakeClock
	store    *sqlstore.Store
	auditor  *memAuditor
	notifier *LocalNotifier
	ledger   *Ledger
	queue    *Queue
	idem     *Idempotency
	enforcer *Enforcer
	orch     *Orchestrator
	registry *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, ":memory:", sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: t0}
	logger := zap.NewNop()
	cfg := Config{Now: clock.Now, CASRetryDelay: time.Millisecond}

	quotes := pricing.NewStatic([]pricing.StaticQuote{
		{Region: "us-east-1", InstanceType: "m5.large", PoolID: poolA, AZ: "us-east-1a", Price: 0.050, Risk: 0.10},
		{Region: "us-east-1", InstanceType: "m5.large", PoolID: poolB, AZ: "us-east-1b", Price: 0.030, Risk: 0.20},
		{Region: "us-east-1", InstanceType: "m5.large", PoolID: poolC, AZ: "us-east-1c", Price: 0.040, Risk: 0.10},
	})
	strategy := decision.NewLocal(quotes, store, logger, decision.LocalOptions{Now: clock.Now})

	h := &harness{t: t, ctx: ctx, clock: clock, store: store, auditor: &memAuditor{}, notifier: NewLocalNotifier()}
	metrics := NewMetrics(prometheus.NewRegistry())
	h.ledger = NewLedger(store, h.auditor, h.notifier, strategy, metrics, logger, cfg)
	h.queue = NewQueue(store, h.notifier, metrics, logger, cfg)
	h.idem = NewIdempotency(store, logger, cfg)
	h.enforcer = NewEnforcer(h.ledger, h.idem, logger)
	h.orch = NewOrchestrator(h.ledger, h.idem, logger)
	h.registry = NewRegistry(h.ledger, h.enforcer, nil, logger)
	return h
}

// register заводит агента с PRIMARY в пуле poolA.
func (h *harness) register(name string, mode domain.Mode) (agentID, primaryID string) {
	h.t.Helper()
	primaryID = "i-" + name
	resp, err := h.registry.Register(h.ctx, domain.RegisterRequest{
		ClientID:       "client-1",
		LogicalAgentID: name,
		InstanceID:     primaryID,
		InstanceType:   "m5.large",
		Region:         "us-east-1",
		AZ:             "us-east-1a",
		Mode:           mode,
	})
	require.NoError(h.t, err)
	return resp.AgentID, primaryID
}

func (h *harness) state(agentID string) *AgentState {
	h.t.Helper()
	s, err := h.ledger.Snapshot(h.ctx, agentID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) instance(id string) *domain.Instance {
	h.t.Helper()
	inst, err := h.store.GetInstance(h.ctx, id)
	require.NoError(h.t, err)
	return inst
}

func (h *harness) openCommands(agentID string, typ domain.CommandType) []*domain.Command {
	h.t.Helper()
	cmds, err := h.store.ListOpenCommands(h.ctx, agentID)
	require.NoError(h.t, err)
	var out []*domain.Command
	for _, c := range cmds {
		if typ == "" || c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) allCommands(agentID string, typ domain.CommandType) []*domain.Command {
	h.t.Helper()
	cmds, err := h.store.ListCommands(h.ctx, agentID, 0)
	require.NoError(h.t, err)
	var out []*domain.Command
	for _, c := range cmds {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (h *harness) activePrimaries(agentID string) int {
	h.t.Helper()
	n := 0
	for _, inst := range h.state(agentID).Instances {
		if inst.ActivePrimary() {
			n++
		}
	}
	return n
}

func (h *harness) reportStatus(replicaID string, status domain.InstanceStatus, requestID string) *domain.ReplicaStatusResult {
	h.t.Helper()
	res, _, err := h.orch.ReportReplicaStatus(h.ctx, domain.ReplicaStatusReport{
		ReplicaID: replicaID,
		Status:    status,
		RequestID: requestID,
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) signal(agentID, instanceID string, sig domain.SignalType) *domain.InterruptionEvent {
	h.t.Helper()
	ev, err := h.orch.HandleSignal(h.ctx, domain.SignalRequest{
		AgentID:    agentID,
		InstanceID: instanceID,
		SignalType: sig,
		DetectedAt: h.clock.Now(),
	})
	require.NoError(h.t, err)
	return ev
}

// onlyReplica — единственная активная реплика агента.
func (h *harness) onlyReplica(agentID string) *domain.Instance {
	h.t.Helper()
	replicas := h.state(agentID).ActiveReplicas()
	require.Len(h.t, replicas, 1)
	return replicas[0]
}
