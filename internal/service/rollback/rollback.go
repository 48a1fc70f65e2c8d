// Package rollback records rollback attempts and enforces a single
// in-progress rollback per source deployment.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

// ErrRollbackInProgress rejects starting a second rollback from the same
// deployment before the first settles.
var ErrRollbackInProgress = errors.New("rollback already in progress for deployment")

// StatusUpdater is implemented by the lifecycle engine; rollback completion
// re-activates the target deployment through it.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, deploymentID string, status domain.Status, errorMessage string) error
}

// Manager books rollback records and their state transitions.
type Manager struct {
	rollbacks   repository.RollbackRepository
	deployments repository.DeploymentRepository
	status      StatusUpdater
	logger      *slog.Logger
	now         func() time.Time
}

func NewManager(rollbacks repository.RollbackRepository, deployments repository.DeploymentRepository, status StatusUpdater, logger *slog.Logger) *Manager {
	return &Manager{
		rollbacks:   rollbacks,
		deployments: deployments,
		status:      status,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Start opens a rollback from one deployment to another. The lookup-before-
// insert guard keeps at most one in-progress rollback per source deployment.
func (m *Manager) Start(ctx context.Context, fromDeploymentID, toDeploymentID, triggeredBy, reason string) (*domain.DeploymentRollback, error) {
	if fromDeploymentID == toDeploymentID {
		return nil, fmt.Errorf("rollback target equals source %s", fromDeploymentID)
	}
	if _, err := m.deployments.GetDeploymentByID(ctx, toDeploymentID); err != nil {
		return nil, fmt.Errorf("rollback target: %w", err)
	}
	active, err := m.rollbacks.GetActiveRollbackByFrom(ctx, fromDeploymentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("rollback guard lookup: %w", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s", ErrRollbackInProgress, active.ID)
	}
	rb := &domain.DeploymentRollback{
		ID:               uuid.NewString(),
		FromDeploymentID: fromDeploymentID,
		ToDeploymentID:   toDeploymentID,
		TriggeredBy:      triggeredBy,
		Reason:           reason,
		Status:           domain.RollbackInProgress,
		StartedAt:        m.now(),
	}
	if err := m.rollbacks.CreateRollback(ctx, rb); err != nil {
		return nil, fmt.Errorf("create rollback: %w", err)
	}
	m.logger.Info("rollback started", "rollback_id", rb.ID, "from", fromDeploymentID, "to", toDeploymentID, "triggered_by", triggeredBy)
	return rb, nil
}

// Complete marks the rollback finished and re-activates the target
// deployment. The status write is best-effort; the record transition wins.
func (m *Manager) Complete(ctx context.Context, rollbackID string) (*domain.DeploymentRollback, error) {
	rb, err := m.rollbacks.GetRollbackByID(ctx, rollbackID)
	if err != nil {
		return nil, err
	}
	if rb.Status != domain.RollbackInProgress {
		return nil, fmt.Errorf("rollback %s is %s, not in progress", rb.ID, rb.Status)
	}
	now := m.now()
	rb.Status = domain.RollbackCompleted
	rb.CompletedAt = &now
	if err := m.rollbacks.UpdateRollback(ctx, rb); err != nil {
		return nil, fmt.Errorf("complete rollback: %w", err)
	}
	if m.status != nil {
		if err := m.status.UpdateStatus(ctx, rb.ToDeploymentID, domain.StatusSuccess, ""); err != nil {
			m.logger.Warn("rollback target reactivation failed", "rollback_id", rb.ID, "deployment_id", rb.ToDeploymentID, "error", err)
		}
	}
	m.logger.Info("rollback completed", "rollback_id", rb.ID, "to", rb.ToDeploymentID)
	return rb, nil
}

// Fail marks the rollback failed with the given reason.
func (m *Manager) Fail(ctx context.Context, rollbackID, errorMessage string) (*domain.DeploymentRollback, error) {
	rb, err := m.rollbacks.GetRollbackByID(ctx, rollbackID)
	if err != nil {
		return nil, err
	}
	if rb.Status != domain.RollbackInProgress {
		return nil, fmt.Errorf("rollback %s is %s, not in progress", rb.ID, rb.Status)
	}
	now := m.now()
	rb.Status = domain.RollbackFailed
	rb.ErrorMessage = errorMessage
	rb.FailedAt = &now
	if err := m.rollbacks.UpdateRollback(ctx, rb); err != nil {
		return nil, fmt.Errorf("fail rollback: %w", err)
	}
	m.logger.Warn("rollback failed", "rollback_id", rb.ID, "error", errorMessage)
	return rb, nil
}

// History lists rollbacks touching a deployment, newest first.
func (m *Manager) History(ctx context.Context, deploymentID string) ([]domain.DeploymentRollback, error) {
	return m.rollbacks.ListRollbacksByDeployment(ctx, deploymentID)
}
