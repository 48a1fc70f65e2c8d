package lifecycle

import (
	"context"
	"fmt"
	"os"

	"github.com/stackdock/stackdock/internal/domain"
)

// ClaimForResume takes ownership of a stale deployment before resumption.
// The conditional write bumps the version and updated_at, so a concurrent
// claimant loses with a stale-version error and a later scan no longer sees
// the row as stale.
func (s *Service) ClaimForResume(ctx context.Context, deployment *domain.Deployment) error {
	return s.setStatus(ctx, deployment, deployment.Status, deployment.ErrorMessage)
}

// ResumeFromPhase recovers a deployment interrupted mid-pipeline. The policy
// depends on the phase it stopped in: early phases cannot be trusted and
// fail, later phases verify artifacts and re-run the idempotent tail.
func (s *Service) ResumeFromPhase(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	svc, err := s.services.GetServiceByID(ctx, deployment.ServiceID)
	if err != nil {
		s.failDeployment(ctx, deployment, fmt.Sprintf("resume: service %s not found: %v", deployment.ServiceID, err))
		return nil
	}

	s.logger.Info("resuming deployment", "deployment_id", deployment.ID, "phase", deployment.Phase)
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo,
		fmt.Sprintf("resuming from phase %s", deployment.Phase), deployment.Phase, "resume", nil)

	switch deployment.Phase {
	case domain.PhasePullingSource, domain.PhaseBuilding:
		// Workspace and partial build state did not survive the crash.
		s.failDeployment(ctx, deployment, fmt.Sprintf("interrupted during %s, source state lost", deployment.Phase))
		return nil

	case domain.PhaseCopyingFiles:
		ok, detail := s.artifactPresent(ctx, deployment, svc)
		if !ok {
			s.failDeployment(ctx, deployment, fmt.Sprintf("interrupted during %s: %s", deployment.Phase, detail))
			return nil
		}
		s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, detail, deployment.Phase, "resume", nil)
		return s.resumeTail(ctx, deployment, svc, true)

	case domain.PhaseCreatingSymlinks, domain.PhaseUpdatingRoutes:
		return s.resumeTail(ctx, deployment, svc, deployment.Phase == domain.PhaseCreatingSymlinks)

	case domain.PhaseHealthCheck:
		return s.resumeHealth(ctx, deployment, svc)

	default:
		s.failDeployment(ctx, deployment, fmt.Sprintf("cannot resume from unknown phase %q", deployment.Phase))
		return fmt.Errorf("unknown phase %q", deployment.Phase)
	}
}

// artifactPresent checks that the copy phase actually produced something:
// a running container for container services, a release directory for
// static services.
func (s *Service) artifactPresent(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) (bool, string) {
	switch svc.Type {
	case domain.ServiceContainer:
		if deployment.ContainerName == nil || *deployment.ContainerName == "" {
			return false, "no container recorded"
		}
		if s.runtime == nil {
			return false, "no container runtime available"
		}
		exists, err := s.runtime.ContainerExists(ctx, *deployment.ContainerName)
		if err != nil {
			return false, fmt.Sprintf("container lookup failed: %v", err)
		}
		if !exists {
			return false, fmt.Sprintf("container %s missing", *deployment.ContainerName)
		}
		return true, fmt.Sprintf("container %s present, advancing", *deployment.ContainerName)
	case domain.ServiceStatic:
		if s.static == nil {
			return false, "no static artifact store available"
		}
		release := s.static.ReleaseDir(svc.Name, deployment.ID)
		if _, err := os.Stat(release); err != nil {
			return false, fmt.Sprintf("release directory missing: %v", err)
		}
		return true, fmt.Sprintf("release directory %s present, advancing", release)
	default:
		return false, fmt.Sprintf("unknown service type %q", svc.Type)
	}
}

// resumeTail re-runs the idempotent pipeline tail: symlink swap (static
// services only), route update and the health check.
func (s *Service) resumeTail(ctx context.Context, deployment *domain.Deployment, svc *domain.Service, relink bool) error {
	if relink && svc.Type == domain.ServiceStatic {
		if err := s.updatePhase(ctx, deployment, domain.PhaseCreatingSymlinks, 75, nil, true); err != nil {
			return err
		}
		if s.static == nil {
			s.failDeployment(ctx, deployment, "resume: no static artifact store available")
			return nil
		}
		release := s.static.ReleaseDir(svc.Name, deployment.ID)
		if err := s.static.SwapCurrent(svc.Name, release); err != nil {
			s.failDeployment(ctx, deployment, fmt.Sprintf("resume: symlink swap failed: %v", err))
			return nil
		}
		s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, "current symlink re-pointed", domain.PhaseCreatingSymlinks, "resume", nil)
	}

	if err := s.updatePhase(ctx, deployment, domain.PhaseUpdatingRoutes, 90, nil, true); err != nil {
		return err
	}
	return s.resumeHealth(ctx, deployment, svc)
}

// resumeHealth re-probes after recovery and settles the terminal status.
func (s *Service) resumeHealth(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) error {
	if err := s.updatePhase(ctx, deployment, domain.PhaseHealthCheck, 95, nil, true); err != nil {
		return err
	}
	if deployment.Status != domain.StatusDeploying {
		if err := s.setStatus(ctx, deployment, domain.StatusDeploying, ""); err != nil {
			return err
		}
	}
	if healthy, detail := s.verifyHealth(ctx, deployment, svc); !healthy {
		s.failDeployment(ctx, deployment, messageOr(detail, "resume: health verification failed"))
		return nil
	}
	if err := s.updatePhase(ctx, deployment, domain.PhaseActive, 100, nil, true); err != nil {
		return err
	}
	if err := s.setStatus(ctx, deployment, domain.StatusSuccess, ""); err != nil {
		return err
	}
	s.metrics.DeploymentResult("success")
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, "deployment recovered and active", domain.PhaseActive, "resume", nil)
	return nil
}
