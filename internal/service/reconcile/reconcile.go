// Package reconcile scans for deployments stuck in non-terminal states after
// a crash and hands them to phase resumption.
package reconcile

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

// Resumer is implemented by the lifecycle engine. ClaimForResume must be a
// conditional write so that only one scanner instance wins a given row.
type Resumer interface {
	ClaimForResume(ctx context.Context, deployment *domain.Deployment) error
	ResumeFromPhase(ctx context.Context, deploymentID string) error
}

// nonTerminal are the statuses a crash can strand a deployment in.
var nonTerminal = []domain.Status{
	domain.StatusPending,
	domain.StatusQueued,
	domain.StatusBuilding,
	domain.StatusDeploying,
}

// Scanner periodically resumes deployments whose rows stopped moving.
type Scanner struct {
	deployments    repository.DeploymentRepository
	resumer        Resumer
	logger         *slog.Logger
	staleThreshold time.Duration
	interval       time.Duration
	now            func() time.Time
}

func NewScanner(deployments repository.DeploymentRepository, resumer Resumer, logger *slog.Logger, staleThreshold, interval time.Duration) *Scanner {
	return &Scanner{
		deployments:    deployments,
		resumer:        resumer,
		logger:         logger,
		staleThreshold: staleThreshold,
		interval:       interval,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sweep immediately, then repeats on the interval. The
// startup sweep is what recovers deployments stranded by the previous
// process.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("reconcile scanner started", "interval", s.interval.String(), "stale_threshold", s.staleThreshold.String())
	s.Sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile scanner stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep claims and resumes every stale deployment. Losing the claim to a
// concurrent scanner is expected and skips the row silently.
func (s *Scanner) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.staleThreshold)
	stale, err := s.deployments.ListDeploymentsUpdatedBefore(ctx, nonTerminal, cutoff)
	if err != nil {
		s.logger.Warn("stale deployment scan failed", "error", err)
		return
	}
	for i := range stale {
		deployment := &stale[i]
		if err := s.resumer.ClaimForResume(ctx, deployment); err != nil {
			if errors.Is(err, repository.ErrStaleDeployment) {
				s.logger.Info("deployment claimed elsewhere", "deployment_id", deployment.ID)
			} else {
				s.logger.Warn("claim for resume failed", "deployment_id", deployment.ID, "error", err)
			}
			continue
		}
		s.logger.Info("resuming stale deployment", "deployment_id", deployment.ID, "phase", deployment.Phase, "status", deployment.Status)
		if err := s.resumer.ResumeFromPhase(ctx, deployment.ID); err != nil {
			s.logger.Warn("resume failed", "deployment_id", deployment.ID, "error", err)
		}
	}
}
