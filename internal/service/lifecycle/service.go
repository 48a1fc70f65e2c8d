// Package lifecycle owns the deployment state machine: it is the only writer
// of deployment status and phase, drives the provider/builder pipeline and
// handles supersession and crash-recovery resumption.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackdock/stackdock/internal/builder"
	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/provider"
	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/ws"
)

// phaseRank orders phases for the monotonic-forward invariant. Explicit
// resume re-enters phases through forcePhase instead of rewinding here.
var phaseRank = map[domain.Phase]int{
	domain.PhasePullingSource:    1,
	domain.PhaseBuilding:         2,
	domain.PhaseCopyingFiles:     3,
	domain.PhaseCreatingSymlinks: 4,
	domain.PhaseUpdatingRoutes:   5,
	domain.PhaseHealthCheck:      6,
	domain.PhaseActive:           7,
}

// HealthChecker verifies a deployment after its builder finishes. Implemented
// by the health monitor.
type HealthChecker interface {
	VerifyDeployment(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) (healthy bool, detail string, err error)
}

// StatusSubscriber observes committed status transitions. Subscriber errors
// never block or fail the status write.
type StatusSubscriber interface {
	DeploymentStatusChanged(ctx context.Context, deployment *domain.Deployment, status domain.Status)
}

// Runtime is the container-runtime subset resume verification needs.
type Runtime interface {
	ContainerExists(ctx context.Context, nameOrID string) (bool, error)
}

// StaticArtifacts locates and re-links static release directories.
// Implemented by the static builder.
type StaticArtifacts interface {
	ReleaseDir(serviceName, deploymentID string) string
	SwapCurrent(serviceName, target string) error
}

// DeployResult is the structured outcome of a pipeline run. Pipeline errors
// are folded into it rather than propagated.
type DeployResult struct {
	DeploymentID string
	Status       domain.Status
	Message      string
	Error        string
	ContainerIDs []string
}

// CreateSpec describes a new deployment attempt.
type CreateSpec struct {
	ServiceID     string
	Environment   domain.Environment
	SourceType    string
	SourceConfig  provider.Config
	TriggerBranch string
	TriggerPR     int
}

// Service is the deployment lifecycle engine.
type Service struct {
	services    repository.ServiceRepository
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	providers   *provider.Registry
	builders    *builder.Registry
	runtime     Runtime
	static      StaticArtifacts
	health      HealthChecker
	hub         *ws.Hub
	metrics     *metrics.Metrics
	logger      *slog.Logger
	subscribers []StatusSubscriber
	now         func() time.Time
}

// New constructs the lifecycle engine. The health checker is attached later
// via SetHealthChecker because the monitor also depends on this service for
// its status writes.
func New(
	services repository.ServiceRepository,
	deployments repository.DeploymentRepository,
	logs repository.LogRepository,
	providers *provider.Registry,
	builders *builder.Registry,
	runtime Runtime,
	static StaticArtifacts,
	hub *ws.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		services:    services,
		deployments: deployments,
		logs:        logs,
		providers:   providers,
		builders:    builders,
		runtime:     runtime,
		static:      static,
		hub:         hub,
		metrics:     m,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetHealthChecker attaches the post-deploy health verifier.
func (s *Service) SetHealthChecker(h HealthChecker) { s.health = h }

// Subscribe registers a status-change observer.
func (s *Service) Subscribe(sub StatusSubscriber) {
	if sub != nil {
		s.subscribers = append(s.subscribers, sub)
	}
}

// CreateDeployment inserts a deployment in pending and writes the
// initialization log. No side effects beyond persistence.
func (s *Service) CreateDeployment(ctx context.Context, spec CreateSpec) (*domain.Deployment, error) {
	svc, err := s.services.GetServiceByID(ctx, spec.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("load service: %w", err)
	}
	sourceConfig, err := json.Marshal(spec.SourceConfig)
	if err != nil {
		return nil, fmt.Errorf("encode source config: %w", err)
	}
	environment := spec.Environment
	if environment == "" {
		environment = svc.Environment
	}
	sourceType := spec.SourceType
	if sourceType == "" {
		sourceType = svc.ProviderID
	}
	now := s.now()
	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		ServiceID:     svc.ID,
		Status:        domain.StatusPending,
		Phase:         domain.PhasePullingSource,
		PhaseUpdated:  now,
		Environment:   environment,
		SourceType:    sourceType,
		SourceConfig:  sourceConfig,
		TriggerBranch: spec.TriggerBranch,
		TriggerPR:     spec.TriggerPR,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, "deployment created", deployment.Phase, "init", nil)
	s.logger.Info("deployment created", "deployment_id", deployment.ID, "service_id", svc.ID, "environment", environment)
	return deployment, nil
}

// QueueDeployment marks a pending deployment as accepted for pipeline
// execution. The dispatcher calls this at hand-off, so a crash between
// acceptance and the first build write leaves a queued row the reconciler
// can pick up.
func (s *Service) QueueDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment.Status != domain.StatusPending {
		return fmt.Errorf("deployment %s is %s, only pending can be queued", deployment.ID, deployment.Status)
	}
	return s.setStatus(ctx, deployment, domain.StatusQueued, "")
}

// DeployService runs the full provider -> builder pipeline for a deployment.
// Pipeline failures are caught, logged and folded into the result; the error
// return is reserved for the deployment row itself being unavailable.
func (s *Service) DeployService(ctx context.Context, deploymentID string) (DeployResult, error) {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return DeployResult{}, fmt.Errorf("load deployment: %w", err)
	}
	svc, err := s.services.GetServiceByID(ctx, deployment.ServiceID)
	if err != nil {
		return s.failDeployment(ctx, deployment, fmt.Sprintf("service %s not found: %v", deployment.ServiceID, err)), nil
	}

	prov := s.providers.Get(deployment.SourceType)
	if prov == nil {
		return s.failDeployment(ctx, deployment, fmt.Sprintf("provider %q not registered", deployment.SourceType)), nil
	}
	bld := s.builders.Get(svc.BuilderID)
	if bld == nil {
		return s.failDeployment(ctx, deployment, fmt.Sprintf("builder %q not registered", svc.BuilderID)), nil
	}

	var cfg provider.Config
	if len(deployment.SourceConfig) > 0 {
		if err := json.Unmarshal(deployment.SourceConfig, &cfg); err != nil {
			return s.failDeployment(ctx, deployment, fmt.Sprintf("decode source config: %v", err)), nil
		}
	}

	if err := s.setStatus(ctx, deployment, domain.StatusBuilding, ""); err != nil {
		return DeployResult{}, err
	}
	s.updatePhase(ctx, deployment, domain.PhasePullingSource, 5, &domain.PhaseMetadata{
		Source: &domain.SourcePhaseMetadata{Provider: prov.ID(), Branch: cfg.Branch},
	}, false)

	trigger := domain.TriggerEvent{
		Branch:    deployment.TriggerBranch,
		CommitSHA: cfg.CommitSHA,
	}
	if deployment.TriggerPR > 0 {
		trigger.PullRequest = &domain.PullRequestInfo{Number: deployment.TriggerPR}
	}

	source, err := prov.FetchSource(ctx, cfg, trigger)
	if err != nil {
		return s.failDeployment(ctx, deployment, fmt.Sprintf("source fetch failed: %v", err)), nil
	}
	// Source cleanup runs exactly once on every exit path past this point.
	defer func() {
		if err := source.Cleanup(); err != nil {
			s.logger.Warn("source cleanup failed", "deployment_id", deployment.ID, "error", err)
		}
	}()

	s.updatePhase(ctx, deployment, domain.PhasePullingSource, 20, &domain.PhaseMetadata{
		Source: &domain.SourcePhaseMetadata{
			Provider:  prov.ID(),
			CommitSHA: source.Metadata.CommitSHA,
			Branch:    source.Metadata.Branch,
			LocalPath: source.LocalPath,
		},
	}, false)
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo,
		fmt.Sprintf("source fetched, version %s", prov.DeploymentVersion(source)),
		domain.PhasePullingSource, "fetch", nil)

	buildCfg := builder.BuildConfig{
		DeploymentID: deployment.ID,
		ServiceID:    svc.ID,
		ServiceName:  svc.Name,
		SourcePath:   source.LocalPath,
		EnvVars:      svc.EnvVars,
		OutputDir:    svc.BasePath,
		OnPhaseUpdate: func(phase domain.Phase, progress int, metadata *domain.PhaseMetadata) {
			s.updatePhase(ctx, deployment, phase, progress, metadata, false)
			s.reconcileStatusWithPhase(ctx, deployment, phase)
		},
		OnLog: func(level, message, step string) {
			s.appendLog(ctx, deployment.ID, level, message, deployment.Phase, step, nil)
		},
	}

	result, err := bld.Deploy(ctx, buildCfg)
	if err != nil || result.Status != builder.BuildSuccess {
		message := result.Message
		if err != nil {
			message = fmt.Sprintf("%s: %v", messageOr(message, "builder failed"), err)
		}
		return s.failDeployment(ctx, deployment, message), nil
	}

	if result.ContainerName != "" || result.Image != "" {
		if err := s.deployments.SetDeploymentContainer(ctx, deployment.ID, result.ContainerName, result.Image); err != nil {
			s.logger.Warn("record container identity failed", "deployment_id", deployment.ID, "error", err)
		} else {
			name, image := result.ContainerName, result.Image
			deployment.ContainerName, deployment.ContainerImage = &name, &image
		}
	}

	if deployment.Status == domain.StatusBuilding {
		if err := s.setStatus(ctx, deployment, domain.StatusDeploying, ""); err != nil {
			return DeployResult{}, err
		}
	}

	if healthy, detail := s.verifyHealth(ctx, deployment, svc); !healthy {
		return s.failDeployment(ctx, deployment, messageOr(detail, "health verification failed")), nil
	}

	s.updatePhase(ctx, deployment, domain.PhaseActive, 100, nil, false)
	if err := s.setStatus(ctx, deployment, domain.StatusSuccess, ""); err != nil {
		return DeployResult{}, err
	}
	s.metrics.DeploymentResult("success")
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, messageOr(result.Message, "deployment active"), domain.PhaseActive, "complete", nil)

	// Supersession is best-effort and never fails the new deployment.
	s.CancelPreviousDeployment(ctx, deployment.ID, svc.ID)

	return DeployResult{
		DeploymentID: deployment.ID,
		Status:       domain.StatusSuccess,
		Message:      result.Message,
		ContainerIDs: result.ContainerIDs,
	}, nil
}

// verifyHealth drives the health-check phase. Without a checker the phase is
// recorded and trusted.
func (s *Service) verifyHealth(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) (bool, string) {
	s.updatePhase(ctx, deployment, domain.PhaseHealthCheck, 95, nil, false)
	if s.health == nil {
		return true, ""
	}
	healthy, detail, err := s.health.VerifyDeployment(ctx, deployment, svc)
	if err != nil {
		return false, fmt.Sprintf("health verification error: %v", err)
	}
	if !healthy {
		return false, messageOr(detail, "deployment unhealthy")
	}
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, messageOr(detail, "health check passed"), domain.PhaseHealthCheck, "probe", nil)
	return true, ""
}

// reconcileStatusWithPhase moves building -> deploying once the builder
// advances past its build phase.
func (s *Service) reconcileStatusWithPhase(ctx context.Context, deployment *domain.Deployment, phase domain.Phase) {
	if deployment.Status != domain.StatusBuilding {
		return
	}
	if rank, ok := phaseRank[phase]; !ok || rank <= phaseRank[domain.PhaseBuilding] {
		return
	}
	if err := s.setStatus(ctx, deployment, domain.StatusDeploying, ""); err != nil {
		s.logger.Warn("status reconcile with phase failed", "deployment_id", deployment.ID, "error", err)
	}
}

// UpdateStatus transitions a deployment by id. Used by the health monitor and
// operator surfaces; the engine remains the single writer.
func (s *Service) UpdateStatus(ctx context.Context, deploymentID string, status domain.Status, errorMessage string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	return s.setStatus(ctx, deployment, status, errorMessage)
}

// setStatus performs the conditional status write, stamps timestamps via the
// repository and notifies subscribers. Cleanup subscribers run after the
// write and their errors never surface here.
func (s *Service) setStatus(ctx context.Context, deployment *domain.Deployment, status domain.Status, errorMessage string) error {
	update := domain.StatusUpdate{
		DeploymentID: deployment.ID,
		Status:       status,
		ErrorMessage: errorMessage,
		Version:      deployment.Version,
		At:           s.now(),
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrStaleDeployment) {
			s.logger.Warn("status write lost a concurrent update", "deployment_id", deployment.ID, "status", status)
		}
		return err
	}
	deployment.Status = status
	deployment.Version++
	if errorMessage != "" {
		deployment.ErrorMessage = errorMessage
	}
	s.logger.Info("deployment status changed", "deployment_id", deployment.ID, "status", status)
	for _, sub := range s.subscribers {
		sub.DeploymentStatusChanged(ctx, deployment, status)
	}
	return nil
}

// UpdatePhase is the single source of truth for phase advancement; it always
// also appends a log entry. Backward transitions are rejected outside of
// explicit resume.
func (s *Service) UpdatePhase(ctx context.Context, deploymentID string, phase domain.Phase, progress int, metadata *domain.PhaseMetadata) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	return s.updatePhase(ctx, deployment, phase, progress, metadata, false)
}

func (s *Service) updatePhase(ctx context.Context, deployment *domain.Deployment, phase domain.Phase, progress int, metadata *domain.PhaseMetadata, force bool) error {
	if !force && phase != domain.PhaseFailed {
		if current, ok := phaseRank[deployment.Phase]; ok {
			if next, ok := phaseRank[phase]; ok && next < current {
				return fmt.Errorf("phase %s cannot follow %s", phase, deployment.Phase)
			}
		}
	}
	at := s.now()
	if !deployment.PhaseUpdated.IsZero() && phase != deployment.Phase {
		s.metrics.PhaseDuration(string(deployment.Phase), at.Sub(deployment.PhaseUpdated))
	}
	update := domain.PhaseUpdate{
		DeploymentID: deployment.ID,
		Phase:        phase,
		Progress:     progress,
		Metadata:     metadata,
		At:           at,
	}
	if err := s.deployments.UpdateDeploymentPhase(ctx, update); err != nil {
		return err
	}
	deployment.Phase = phase
	deployment.PhaseProgress = progress
	deployment.PhaseUpdated = at

	var serialized json.RawMessage
	if metadata != nil {
		if encoded, err := json.Marshal(metadata); err == nil {
			serialized = encoded
		}
	}
	s.appendLog(ctx, deployment.ID, domain.LogLevelInfo,
		fmt.Sprintf("phase %s (%d%%)", phase, progress), phase, "phase", serialized)
	return nil
}

// failDeployment converts any pipeline failure into a failed status, an
// error log and a structured result.
func (s *Service) failDeployment(ctx context.Context, deployment *domain.Deployment, message string) DeployResult {
	s.logger.Error("deployment failed", "deployment_id", deployment.ID, "error", message)
	if err := s.updatePhase(ctx, deployment, domain.PhaseFailed, deployment.PhaseProgress, nil, true); err != nil {
		s.logger.Warn("phase update to failed did not persist", "deployment_id", deployment.ID, "error", err)
	}
	s.appendLog(ctx, deployment.ID, domain.LogLevelError, message, domain.PhaseFailed, "pipeline", nil)
	if err := s.setStatus(ctx, deployment, domain.StatusFailed, message); err != nil {
		s.logger.Warn("status update to failed did not persist", "deployment_id", deployment.ID, "error", err)
	}
	s.metrics.DeploymentResult("failed")
	return DeployResult{
		DeploymentID: deployment.ID,
		Status:       domain.StatusFailed,
		Error:        message,
	}
}

// CancelPreviousDeployment supersedes the prior successful deployment of the
// service, cross-linking log entries on both records. Best-effort: failures
// are logged and never fail the new deployment.
func (s *Service) CancelPreviousDeployment(ctx context.Context, newDeploymentID, serviceID string) {
	previous, err := s.deployments.ListDeploymentsByServiceAndStatus(ctx, serviceID, domain.StatusSuccess)
	if err != nil {
		s.logger.Warn("supersession lookup failed", "service_id", serviceID, "error", err)
		return
	}
	for i := range previous {
		prior := &previous[i]
		if prior.ID == newDeploymentID {
			continue
		}
		if err := s.setStatus(ctx, prior, domain.StatusCancelled, ""); err != nil {
			s.logger.Warn("supersession cancel failed", "deployment_id", prior.ID, "error", err)
			return
		}
		s.appendLog(ctx, prior.ID, domain.LogLevelInfo,
			fmt.Sprintf("superseded by deployment %s", newDeploymentID), prior.Phase, "supersede", nil)
		s.appendLog(ctx, newDeploymentID, domain.LogLevelInfo,
			fmt.Sprintf("supersedes deployment %s", prior.ID), domain.PhaseActive, "supersede", nil)
		return
	}
}

// StopPreviousDeployments stops running deployments of a service. Preview
// environments only stop deployments sharing the same branch/PR trigger;
// other environments stop everything, optionally filtered by environment.
// Per-item failures do not abort the batch.
func (s *Service) StopPreviousDeployments(ctx context.Context, serviceID string, environment domain.Environment, trigger domain.TriggerEvent) (stopped, errored []string) {
	running := make([]domain.Deployment, 0)
	for _, status := range []domain.Status{domain.StatusQueued, domain.StatusBuilding, domain.StatusDeploying, domain.StatusSuccess} {
		batch, err := s.deployments.ListDeploymentsByServiceAndStatus(ctx, serviceID, status)
		if err != nil {
			s.logger.Warn("stop-previous listing failed", "service_id", serviceID, "status", status, "error", err)
			continue
		}
		running = append(running, batch...)
	}

	for i := range running {
		deployment := &running[i]
		if environment != "" && deployment.Environment != environment {
			continue
		}
		if environment == domain.EnvPreview && !sameTrigger(deployment, trigger) {
			continue
		}
		if err := s.setStatus(ctx, deployment, domain.StatusCancelled, ""); err != nil {
			errored = append(errored, deployment.ID)
			continue
		}
		s.appendLog(ctx, deployment.ID, domain.LogLevelInfo, "stopped by newer deployment", deployment.Phase, "stop", nil)
		stopped = append(stopped, deployment.ID)
	}
	return stopped, errored
}

func sameTrigger(deployment *domain.Deployment, trigger domain.TriggerEvent) bool {
	if trigger.PullRequest != nil {
		return deployment.TriggerPR == trigger.PullRequest.Number
	}
	return deployment.TriggerBranch == trigger.Branch
}

// appendLog persists a deployment log entry and broadcasts it to stream
// subscribers. Log failures are warnings; they never fail the pipeline.
func (s *Service) appendLog(ctx context.Context, deploymentID, level, message string, phase domain.Phase, step string, metadata json.RawMessage) {
	entry := domain.DeploymentLog{
		ID:           uuid.NewString(),
		DeploymentID: deploymentID,
		Level:        level,
		Message:      message,
		Phase:        phase,
		Step:         step,
		Metadata:     metadata,
		CreatedAt:    s.now(),
	}
	if err := s.logs.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("append deployment log failed", "deployment_id", deploymentID, "error", err)
	}
	if s.hub != nil {
		if payload, err := json.Marshal(map[string]any{
			"deployment_id": deploymentID,
			"level":         level,
			"message":       message,
			"phase":         phase,
			"step":          step,
			"timestamp":     entry.CreatedAt,
		}); err == nil {
			s.hub.Broadcast(deploymentID, payload)
		}
	}
}

func messageOr(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}
