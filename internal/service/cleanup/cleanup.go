// Package cleanup reclaims resources from old and failed deployments:
// retention pruning of successful deployments and crash cleanup of runtime
// leftovers. Every removal is best-effort and never blocks record updates.
package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/dockerx"
	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/repository"
)

// Runtime is the container-runtime subset cleanup needs.
type Runtime interface {
	ListByLabel(ctx context.Context, label, value string) ([]dockerx.ContainerSummary, error)
	StopContainer(ctx context.Context, nameOrID string) error
	RemoveContainer(ctx context.Context, nameOrID string) error
	RemoveImage(ctx context.Context, ref string) error
}

// StaticArtifacts locates static release directories for removal.
type StaticArtifacts interface {
	ReleaseDir(serviceName, deploymentID string) string
}

// Service prunes deployments past their retention policy and cleans runtime
// resources of failed ones.
type Service struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	rollbacks   repository.RollbackRepository
	runtime     Runtime
	static      StaticArtifacts
	metrics     *metrics.Metrics
	logger      *slog.Logger
	interval    time.Duration
	defaultKeep int
}

func New(
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	logs repository.LogRepository,
	rollbacks repository.RollbackRepository,
	runtime Runtime,
	static StaticArtifacts,
	m *metrics.Metrics,
	logger *slog.Logger,
	interval time.Duration,
	defaultKeep int,
) *Service {
	if defaultKeep <= 0 {
		defaultKeep = domain.DefaultRetentionPolicy().MaxSuccessful
	}
	return &Service{
		services:    services,
		deployments: deployments,
		logs:        logs,
		rollbacks:   rollbacks,
		runtime:     runtime,
		static:      static,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		defaultKeep: defaultKeep,
	}
}

// Run drives periodic retention cleanup until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("cleanup loop started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			s.CleanupAllServices(ctx)
		}
	}
}

// CleanupAllServices runs retention cleanup for every service, continuing
// past per-service failures.
func (s *Service) CleanupAllServices(ctx context.Context) {
	services, err := s.services.ListServices(ctx)
	if err != nil {
		s.logger.Warn("cleanup: list services failed", "error", err)
		return
	}
	for i := range services {
		if err := s.CleanupOldDeployments(ctx, &services[i]); err != nil {
			s.logger.Warn("cleanup failed for service", "service_id", services[i].ID, "error", err)
		}
	}
}

// CleanupOldDeployments keeps the N newest successful deployments of the
// service and deletes the rest: runtime resources best-effort first, then
// logs and the row itself.
func (s *Service) CleanupOldDeployments(ctx context.Context, svc *domain.Service) error {
	policy := svc.Retention
	if !policy.AutoCleanup {
		return nil
	}
	keep := policy.MaxSuccessful
	if keep <= 0 {
		keep = s.defaultKeep
	}
	successful, err := s.deployments.ListDeploymentsByServiceAndStatus(ctx, svc.ID, domain.StatusSuccess)
	if err != nil {
		return err
	}
	if len(successful) <= keep {
		return nil
	}
	deleted := 0
	for i := keep; i < len(successful); i++ {
		deployment := &successful[i]
		s.releaseResources(ctx, deployment, svc, policy.KeepArtifacts)
		if err := s.logs.DeleteLogsByDeployment(ctx, deployment.ID); err != nil {
			s.logger.Warn("delete deployment logs failed", "deployment_id", deployment.ID, "error", err)
		}
		if err := s.deployments.DeleteDeployment(ctx, deployment.ID); err != nil {
			s.logger.Warn("delete deployment failed", "deployment_id", deployment.ID, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.metrics.CleanupDeleted(deleted)
		s.logger.Info("retention cleanup done", "service_id", svc.ID, "deleted", deleted, "kept", keep)
	}
	return nil
}

// releaseResources removes containers, optionally images, and static release
// directories of a deployment. Failures are logged, never returned.
func (s *Service) releaseResources(ctx context.Context, deployment *domain.Deployment, svc *domain.Service, keepArtifacts bool) {
	if s.runtime != nil {
		containers, err := s.runtime.ListByLabel(ctx, dockerx.DeploymentLabel, deployment.ID)
		if err != nil {
			s.logger.Warn("cleanup: container listing failed", "deployment_id", deployment.ID, "error", err)
		}
		for _, c := range containers {
			if err := s.runtime.StopContainer(ctx, c.ID); err != nil {
				s.logger.Warn("cleanup: stop container failed", "container", c.Name, "error", err)
			}
			if err := s.runtime.RemoveContainer(ctx, c.ID); err != nil {
				s.logger.Warn("cleanup: remove container failed", "container", c.Name, "error", err)
			}
		}
		if !keepArtifacts && deployment.ContainerImage != nil && *deployment.ContainerImage != "" {
			if err := s.runtime.RemoveImage(ctx, *deployment.ContainerImage); err != nil {
				s.logger.Warn("cleanup: remove image failed", "image", *deployment.ContainerImage, "error", err)
			}
		}
	}
	if s.static != nil && svc.Type == domain.ServiceStatic && !keepArtifacts {
		release := s.static.ReleaseDir(svc.Name, deployment.ID)
		if err := os.RemoveAll(release); err != nil {
			s.logger.Warn("cleanup: remove release dir failed", "dir", release, "error", err)
		}
	}
}

// CleanupDeploymentResources is the crash path: remove whatever the runtime
// still holds for a failed or cancelled deployment, discovered by label. The
// whole pass is skipped while an in-progress rollback references the
// deployment, since its artifacts may be about to serve traffic again.
func (s *Service) CleanupDeploymentResources(ctx context.Context, deployment *domain.Deployment) {
	if s.rollbacks != nil {
		active, err := s.rollbacks.GetActiveRollbackByFrom(ctx, deployment.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("cleanup: rollback lookup failed", "deployment_id", deployment.ID, "error", err)
		}
		if active != nil {
			s.logger.Info("cleanup deferred, rollback in progress", "deployment_id", deployment.ID, "rollback_id", active.ID)
			return
		}
	}
	if s.runtime == nil {
		return
	}
	containers, err := s.runtime.ListByLabel(ctx, dockerx.DeploymentLabel, deployment.ID)
	if err != nil {
		s.logger.Warn("cleanup: container listing failed", "deployment_id", deployment.ID, "error", err)
		return
	}
	for _, c := range containers {
		if err := s.runtime.StopContainer(ctx, c.ID); err != nil {
			s.logger.Warn("cleanup: stop container failed", "container", c.Name, "error", err)
		}
		if err := s.runtime.RemoveContainer(ctx, c.ID); err != nil {
			s.logger.Warn("cleanup: remove container failed", "container", c.Name, "error", err)
			continue
		}
		s.logger.Info("removed leftover container", "deployment_id", deployment.ID, "container", c.Name)
	}
}

// DeploymentStatusChanged lets the lifecycle engine hand failed and cancelled
// deployments to crash cleanup without blocking the status write.
func (s *Service) DeploymentStatusChanged(ctx context.Context, deployment *domain.Deployment, status domain.Status) {
	if status != domain.StatusFailed && status != domain.StatusCancelled {
		return
	}
	s.CleanupDeploymentResources(ctx, deployment)
}
