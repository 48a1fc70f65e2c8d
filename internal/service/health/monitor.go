// Package health observes running deployments: per-container runtime state,
// an optional HTTP probe, and automatic restart of unhealthy containers.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/dockerx"
	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/repository"
)

// Aggregate is the rolled-up health of a deployment's containers.
type Aggregate string

const (
	AggregateHealthy   Aggregate = "healthy"
	AggregateDegraded  Aggregate = "degraded"
	AggregateUnhealthy Aggregate = "unhealthy"
	AggregateUnknown   Aggregate = "unknown"
)

// Runtime is the container-runtime subset the monitor needs.
type Runtime interface {
	ListByLabel(ctx context.Context, label, value string) ([]dockerx.ContainerSummary, error)
	InspectHealth(ctx context.Context, nameOrID string) (dockerx.ContainerHealth, error)
	RestartContainer(ctx context.Context, nameOrID string) error
}

// StatusUpdater writes deployment status transitions. Implemented by the
// lifecycle engine, which stays the single status writer.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, deploymentID string, status domain.Status, errorMessage string) error
}

// Report is the outcome of one monitoring pass over a deployment.
type Report struct {
	Aggregate  Aggregate
	Containers []dockerx.ContainerHealth
	ProbeOK    *bool
	Detail     string
}

// Monitor periodically checks deployment health and restarts unhealthy
// containers.
type Monitor struct {
	deployments repository.DeploymentRepository
	services    repository.ServiceRepository
	runtime     Runtime
	status      StatusUpdater
	httpClient  *http.Client
	logger      *slog.Logger
	metrics     *metrics.Metrics

	probeTimeout time.Duration
	settleDelay  time.Duration
	interval     time.Duration
	sleep        func(ctx context.Context, d time.Duration)
}

func NewMonitor(
	deployments repository.DeploymentRepository,
	services repository.ServiceRepository,
	runtime Runtime,
	status StatusUpdater,
	m *metrics.Metrics,
	logger *slog.Logger,
	probeTimeout, settleDelay, interval time.Duration,
) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = 10 * time.Second
	}
	return &Monitor{
		deployments:  deployments,
		services:     services,
		runtime:      runtime,
		status:       status,
		httpClient:   &http.Client{Timeout: probeTimeout},
		logger:       logger,
		metrics:      m,
		probeTimeout: probeTimeout,
		settleDelay:  settleDelay,
		interval:     interval,
		sleep: func(ctx context.Context, d time.Duration) {
			if d <= 0 {
				return
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Run drives the monitoring loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("health monitor started", "interval", m.interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep checks the newest successful deployment of every service.
func (m *Monitor) sweep(ctx context.Context) {
	services, err := m.services.ListServices(ctx)
	if err != nil {
		m.logger.Warn("health sweep: list services failed", "error", err)
		return
	}
	for i := range services {
		svc := &services[i]
		active, err := m.deployments.ListDeploymentsByServiceAndStatus(ctx, svc.ID, domain.StatusSuccess)
		if err != nil || len(active) == 0 {
			continue
		}
		deployment := &active[0]
		report := m.MonitorDeploymentHealth(ctx, deployment, svc)
		if report.Aggregate == AggregateUnhealthy || report.Aggregate == AggregateDegraded {
			// Restart before any status write: a failed transition fans out
			// to the cleanup subscriber, which removes the very containers a
			// restart would recover.
			if err := m.RestartUnhealthyContainers(ctx, deployment.ID); err != nil {
				m.logger.Warn("restart unhealthy containers failed", "deployment_id", deployment.ID, "error", err)
			}
			report = m.MonitorDeploymentHealth(ctx, deployment, svc)
		}
		m.metrics.HealthProbe(string(report.Aggregate))
		if err := m.UpdateDeploymentHealthStatus(ctx, deployment, report); err != nil {
			m.logger.Warn("health status update failed", "deployment_id", deployment.ID, "error", err)
		}
	}
}

// MonitorDeploymentHealth inspects every container of the deployment
// concurrently, waits for all results, then aggregates. An optional HTTP
// probe can only downgrade a healthy aggregate, never upgrade one.
func (m *Monitor) MonitorDeploymentHealth(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) Report {
	var containers []dockerx.ContainerHealth
	if m.runtime != nil {
		summaries, err := m.runtime.ListByLabel(ctx, dockerx.DeploymentLabel, deployment.ID)
		if err != nil {
			m.logger.Warn("container listing failed", "deployment_id", deployment.ID, "error", err)
		} else if len(summaries) > 0 {
			containers = make([]dockerx.ContainerHealth, len(summaries))
			var wg sync.WaitGroup
			for i, summary := range summaries {
				wg.Add(1)
				go func(i int, id, name string) {
					defer wg.Done()
					h, err := m.runtime.InspectHealth(ctx, id)
					if err != nil {
						h = dockerx.ContainerHealth{ID: id, Name: name, Running: false}
					}
					containers[i] = h
				}(i, summary.ID, summary.Name)
			}
			wg.Wait()
		}
	}

	report := Report{Aggregate: aggregate(containers), Containers: containers}

	if svc.HealthCheckURL != "" && (report.Aggregate == AggregateHealthy || svc.Type == domain.ServiceStatic) {
		ok := m.probe(ctx, svc.HealthCheckURL)
		report.ProbeOK = &ok
		if svc.Type == domain.ServiceStatic && report.Aggregate == AggregateUnknown {
			if ok {
				report.Aggregate = AggregateHealthy
			} else {
				report.Aggregate = AggregateUnhealthy
				report.Detail = "http probe failed"
			}
		} else if !ok && report.Aggregate == AggregateHealthy {
			report.Aggregate = AggregateDegraded
			report.Detail = "containers healthy but http probe failed"
		}
	}
	return report
}

// aggregate reduces container health to a single verdict: no containers is
// unknown, all running is healthy, none running is unhealthy, anything in
// between is degraded.
func aggregate(containers []dockerx.ContainerHealth) Aggregate {
	if len(containers) == 0 {
		return AggregateUnknown
	}
	running := 0
	for _, c := range containers {
		if c.Running && c.HealthStatus != "unhealthy" {
			running++
		}
	}
	switch running {
	case len(containers):
		return AggregateHealthy
	case 0:
		return AggregateUnhealthy
	default:
		return AggregateDegraded
	}
}

// probe issues a single GET and treats any 2xx as success. The settle delay
// gives freshly started workloads time to bind before the request.
func (m *Monitor) probe(ctx context.Context, url string) bool {
	m.sleep(ctx, m.settleDelay)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// UpdateDeploymentHealthStatus maps an aggregate onto deployment status.
// A deployment already persisted as success is left untouched on unknown, so
// a runtime hiccup cannot demote a good deployment.
func (m *Monitor) UpdateDeploymentHealthStatus(ctx context.Context, deployment *domain.Deployment, report Report) error {
	var next domain.Status
	switch report.Aggregate {
	case AggregateHealthy:
		next = domain.StatusSuccess
	case AggregateDegraded, AggregateUnhealthy:
		next = domain.StatusFailed
	case AggregateUnknown:
		if deployment.Status == domain.StatusSuccess {
			return nil
		}
		next = domain.StatusPending
	default:
		return fmt.Errorf("unknown aggregate %q", report.Aggregate)
	}
	if next == deployment.Status {
		return nil
	}
	message := ""
	if next == domain.StatusFailed {
		message = messageOr(report.Detail, fmt.Sprintf("deployment %s", report.Aggregate))
	}
	return m.status.UpdateStatus(ctx, deployment.ID, next, message)
}

// RestartUnhealthyContainers restarts each non-running or unhealthy container
// of the deployment independently and returns the collected errors.
func (m *Monitor) RestartUnhealthyContainers(ctx context.Context, deploymentID string) error {
	if m.runtime == nil {
		return nil
	}
	summaries, err := m.runtime.ListByLabel(ctx, dockerx.DeploymentLabel, deploymentID)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	var errs []error
	for _, summary := range summaries {
		h, err := m.runtime.InspectHealth(ctx, summary.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("inspect %s: %w", summary.Name, err))
			continue
		}
		if h.Running && h.HealthStatus != "unhealthy" {
			continue
		}
		m.logger.Info("restarting unhealthy container", "deployment_id", deploymentID, "container", summary.Name)
		if err := m.runtime.RestartContainer(ctx, summary.ID); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", summary.Name, err))
		}
	}
	return errors.Join(errs...)
}

// VerifyDeployment is the post-deploy hook the lifecycle engine calls at the
// health-check phase.
func (m *Monitor) VerifyDeployment(ctx context.Context, deployment *domain.Deployment, svc *domain.Service) (bool, string, error) {
	report := m.MonitorDeploymentHealth(ctx, deployment, svc)
	m.metrics.HealthProbe(string(report.Aggregate))
	switch report.Aggregate {
	case AggregateHealthy:
		return true, "health check passed", nil
	case AggregateUnknown:
		// Nothing observable yet: static services without a probe URL land
		// here. Trust the pipeline.
		return true, "no health signal, trusting deployment", nil
	default:
		return false, messageOr(report.Detail, fmt.Sprintf("deployment %s", report.Aggregate)), nil
	}
}

func messageOr(message, fallback string) string {
	if message == "" {
		return fallback
	}
	return message
}
