package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/engine"
)

// FleetRegistry — операторские операции реестра агентов.
type FleetRegistry interface {
	List(ctx context.Context, includeRetired bool) ([]*domain.Agent, error)
	Get(ctx context.Context, agentID string) (*engine.AgentState, error)
	SetMode(ctx context.Context, agentID string, mode domain.Mode, actor string) (*domain.Agent, error)
	SwitchPool(ctx context.Context, agentID, poolID, actor string) (*domain.Command, error)
	Disable(ctx context.Context, agentID, actor string) (*domain.Agent, error)
	Enable(ctx context.Context, agentID, actor string) (*domain.Agent, error)
	Retire(ctx context.Context, agentID, actor string) (*domain.Agent, error)
}

// CommandReader — чтение очереди команд агента.
type CommandReader interface {
	Pending(ctx context.Context, agentID string) ([]*domain.Command, error)
	History(ctx context.Context, agentID string, limit int) ([]*domain.Command, error)
}

// EventReader — история прерываний агента.
type EventReader interface {
	ListEvents(ctx context.Context, agentID string, limit int) ([]*domain.InterruptionEvent, error)
}

// AgentDetails — агент со всеми инстансами и открытыми событиями.
type AgentDetails struct {
	Agent     *domain.Agent               `json:"agent"`
	Mode      domain.Mode                 `json:"mode"`
	Instances []*domain.Instance          `json:"instances"`
	Events    []*domain.InterruptionEvent `json:"open_events"`
}

type AgentService struct {
	registry FleetRegistry
	commands CommandReader
	events   EventReader
	logger   *zap.Logger
}

func NewAgentService(registry FleetRegistry, commands CommandReader, events EventReader, logger *zap.Logger) *AgentService {
	return &AgentService{
		registry: registry,
		commands: commands,
		events:   events,
		logger:   logger.Named("agent-service"),
	}
}

// ListAgents возвращает агентов для основной таблицы консоли.
func (s *AgentService) ListAgents(ctx context.Context, includeRetired bool) ([]*domain.Agent, error) {
	agents, err := s.registry.List(ctx, includeRetired)
	if err != nil {
		s.logger.Error("failed to list agents from repository", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agents: %w", err)
	}

	// Фронтенд получает пустой массив [], а не null
	if agents == nil {
		return []*domain.Agent{}, nil
	}
	return agents, nil
}

func (s *AgentService) GetAgent(ctx context.Context, agentID string) (*AgentDetails, error) {
	state, err := s.registry.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("service: get agent %s: %w", agentID, err)
	}
	details := &AgentDetails{
		Agent:     state.Agent,
		Mode:      state.Agent.Mode(),
		Instances: state.Instances,
		Events:    state.Events,
	}
	if details.Instances == nil {
		details.Instances = []*domain.Instance{}
	}
	if details.Events == nil {
		details.Events = []*domain.InterruptionEvent{}
	}
	return details, nil
}

func (s *AgentService) SetMode(ctx context.Context, agentID string, mode domain.Mode, actor string) (*domain.Agent, error) {
	agent, err := s.registry.SetMode(ctx, agentID, mode, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent mode set by operator",
		zap.String("agent_id", agentID),
		zap.String("mode", string(mode)),
		zap.String("actor", actor))
	return agent, nil
}

// SwitchPool ставит в очередь ручное переключение (ярус manual override).
func (s *AgentService) SwitchPool(ctx context.Context, agentID, poolID, actor string) (*domain.Command, error) {
	cmd, err := s.registry.SwitchPool(ctx, agentID, poolID, actor)
	if err != nil {
		return nil, err
	}
	s.logger.Info("pool switch queued",
		zap.String("agent_id", agentID),
		zap.String("target_pool_id", cmd.TargetPoolID),
		zap.String("actor", actor))
	return cmd, nil
}

func (s *AgentService) Disable(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	return s.registry.Disable(ctx, agentID, actor)
}

func (s *AgentService) Enable(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	return s.registry.Enable(ctx, agentID, actor)
}

func (s *AgentService) Retire(ctx context.Context, agentID, actor string) (*domain.Agent, error) {
	return s.registry.Retire(ctx, agentID, actor)
}

// Commands — открытые команды агента, либо история при history=true.
func (s *AgentService) Commands(ctx context.Context, agentID string, history bool, limit int) ([]*domain.Command, error) {
	if _, err := s.registry.Get(ctx, agentID); err != nil {
		return nil, err
	}
	var (
		cmds []*domain.Command
		err  error
	)
	if history {
		cmds, err = s.commands.History(ctx, agentID, limit)
	} else {
		cmds, err = s.commands.Pending(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("service: list commands: %w", err)
	}
	if cmds == nil {
		cmds = []*domain.Command{}
	}
	return cmds, nil
}

func (s *AgentService) Events(ctx context.Context, agentID string, limit int) ([]*domain.InterruptionEvent, error) {
	events, err := s.events.ListEvents(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("service: list events: %w", err)
	}
	if events == nil {
		events = []*domain.InterruptionEvent{}
	}
	return events, nil
}
