package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/spotguard/internal/audit"
)

// TransitionProvider описывает контракт для чтения журнала переходов.
type TransitionProvider interface {
	ListTransitions(ctx context.Context, agentID string, limit int) ([]audit.TransitionEvent, error)
}

type AuditService struct {
	repo TransitionProvider
}

func NewAuditService(repo TransitionProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchTransitions отдает переходы агента, последние сверху.
func (s *AuditService) FetchTransitions(ctx context.Context, agentID string, limit int) ([]audit.TransitionEvent, error) {
	logs, err := s.repo.ListTransitions(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch transitions: %w", err)
	}
	return logs, nil
}
