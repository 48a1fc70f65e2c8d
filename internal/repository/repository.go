package repository

import (
	"context"
	"time"

	"github.com/stackdock/stackdock/internal/domain"
)

// ServiceRepository persists service configuration.
type ServiceRepository interface {
	CreateService(ctx context.Context, service *domain.Service) error
	GetServiceByID(ctx context.Context, serviceID string) (*domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
}

// DeploymentRepository stores deployment rows. Status writes are conditional
// on the version the caller read and fail with ErrStaleDeployment on races.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.StatusUpdate) error
	UpdateDeploymentPhase(ctx context.Context, update domain.PhaseUpdate) error
	SetDeploymentContainer(ctx context.Context, deploymentID, containerName, containerImage string) error
	ListDeploymentsByService(ctx context.Context, serviceID string, limit int) ([]domain.Deployment, error)
	ListDeploymentsByServiceAndStatus(ctx context.Context, serviceID string, status domain.Status) ([]domain.Deployment, error)
	ListDeploymentsUpdatedBefore(ctx context.Context, statuses []domain.Status, updatedBefore time.Time) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, deploymentID string) error
}

// LogRepository appends and lists deployment logs. Logs are append-only and
// deleted only as a batch with their deployment.
type LogRepository interface {
	AppendLog(ctx context.Context, entry domain.DeploymentLog) error
	ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error)
	DeleteLogsByDeployment(ctx context.Context, deploymentID string) error
}

// RollbackRepository records rollback attempts.
type RollbackRepository interface {
	CreateRollback(ctx context.Context, rollback *domain.DeploymentRollback) error
	GetRollbackByID(ctx context.Context, rollbackID string) (*domain.DeploymentRollback, error)
	GetActiveRollbackByFrom(ctx context.Context, fromDeploymentID string) (*domain.DeploymentRollback, error)
	UpdateRollback(ctx context.Context, rollback *domain.DeploymentRollback) error
	ListRollbacksByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentRollback, error)
}

// RuleRepository persists trigger rules.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *domain.DeploymentRule) error
	GetRuleByID(ctx context.Context, ruleID string) (*domain.DeploymentRule, error)
	UpdateRule(ctx context.Context, rule *domain.DeploymentRule) error
	DeleteRule(ctx context.Context, ruleID string) error
	// ListRulesByProject returns rules ordered by priority descending, ties
	// broken by name ascending.
	ListRulesByProject(ctx context.Context, projectID string, activeOnly bool) ([]domain.DeploymentRule, error)
}

// CacheRepository stores change-detection entries keyed by
// (project, repository, branch), newest entry authoritative.
type CacheRepository interface {
	PutEntry(ctx context.Context, entry *domain.CacheEntry) error
	LatestEntry(ctx context.Context, projectID, repositoryID, branch string) (*domain.CacheEntry, error)
	LinkDeployment(ctx context.Context, projectID, repositoryID, branch, entryID, deploymentID string) error
	// TrimBranch retains only the newest keep entries for the branch.
	TrimBranch(ctx context.Context, projectID, repositoryID, branch string, keep int) error
}
