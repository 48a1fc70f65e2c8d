// Package dispatch turns inbound repository events into deployments: rule
// matching, provider skip markers, change-detection cache, then deployment
// creation and the pipeline run.
package dispatch

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/provider"
	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/service/changecache"
	"github.com/stackdock/stackdock/internal/service/lifecycle"
	"github.com/stackdock/stackdock/internal/service/trigger"
)

// Outcome reports what an event produced.
type Outcome struct {
	Action       domain.RuleAction
	Rule         string
	Reason       string
	Skipped      bool
	DeploymentID string
	Result       *lifecycle.DeployResult
}

// Dispatcher routes trigger events through the rule engine and cache into
// the lifecycle engine.
type Dispatcher struct {
	services  repository.ServiceRepository
	rules     *trigger.Engine
	cache     *changecache.Service
	providers *provider.Registry
	engine    *lifecycle.Service
	logger    *slog.Logger
}

func New(
	services repository.ServiceRepository,
	rules *trigger.Engine,
	cache *changecache.Service,
	providers *provider.Registry,
	engine *lifecycle.Service,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		services:  services,
		rules:     rules,
		cache:     cache,
		providers: providers,
		engine:    engine,
		logger:    logger,
	}
}

// HandleEvent evaluates an event for a service and, when a deploy rule
// matches and no skip applies, creates the deployment and runs the pipeline.
func (d *Dispatcher) HandleEvent(ctx context.Context, serviceID string, event domain.TriggerEvent) (Outcome, error) {
	svc, err := d.services.GetServiceByID(ctx, serviceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load service: %w", err)
	}

	match, err := d.rules.MatchRules(ctx, svc.ProjectID, event)
	if err != nil {
		return Outcome{}, fmt.Errorf("match rules: %w", err)
	}
	if !match.Matched {
		d.logger.Info("no rule matched event", "service_id", svc.ID, "reason", match.Reason)
		return Outcome{Action: domain.ActionNone, Reason: match.Reason, Skipped: true}, nil
	}
	outcome := Outcome{Action: match.Rule.Action, Rule: match.Rule.Name, Reason: match.Reason}
	if match.Rule.Action != domain.ActionDeploy {
		outcome.Skipped = true
		d.logger.Info("rule matched with non-deploy action", "rule", match.Rule.Name, "action", match.Rule.Action)
		return outcome, nil
	}

	if prov := d.providers.Get(svc.ProviderID); prov != nil {
		cfg := provider.Config{RepoURL: svc.RepoURL, Branch: event.Branch, CommitSHA: event.CommitSHA}
		skip, err := prov.ShouldSkipDeployment(ctx, cfg, event)
		if err != nil {
			d.logger.Warn("provider skip check failed, deploying", "service_id", svc.ID, "error", err)
		} else if skip.Skip {
			outcome.Skipped = true
			outcome.Reason = skip.Reason
			d.logger.Info("provider skipped event", "service_id", svc.ID, "reason", skip.Reason)
			return outcome, nil
		}
	}

	if !match.Rule.BypassCache && d.cache != nil {
		decision, err := d.cache.ShouldSkipDeployment(ctx, svc, event)
		if err != nil {
			// Cache trouble never blocks a deployment.
			d.logger.Warn("change cache unavailable, deploying", "service_id", svc.ID, "error", err)
		} else if decision.Skip {
			outcome.Skipped = true
			outcome.Reason = decision.Reason
			d.logger.Info("change cache skipped deployment", "service_id", svc.ID, "reason", decision.Reason)
			return outcome, nil
		}
	}

	var entryID string
	if d.cache != nil {
		if entryID, err = d.cache.RecordChange(ctx, svc, event); err != nil {
			d.logger.Warn("change cache record failed", "service_id", svc.ID, "error", err)
		}
	}

	spec := lifecycle.CreateSpec{
		ServiceID:   svc.ID,
		Environment: svc.Environment,
		SourceType:  svc.ProviderID,
		SourceConfig: provider.Config{
			RepoURL:   svc.RepoURL,
			Branch:    branchOrDefault(event.Branch, svc.DefaultBranch),
			CommitSHA: event.CommitSHA,
			BasePath:  svc.BasePath,
		},
		TriggerBranch: event.Branch,
	}
	if event.PullRequest != nil {
		spec.Environment = domain.EnvPreview
		spec.TriggerPR = event.PullRequest.Number
		spec.SourceConfig.PRNumber = event.PullRequest.Number
	}

	deployment, err := d.engine.CreateDeployment(ctx, spec)
	if err != nil {
		return outcome, fmt.Errorf("create deployment: %w", err)
	}
	outcome.DeploymentID = deployment.ID
	if entryID != "" && d.cache != nil {
		d.cache.LinkDeployment(ctx, svc, branchOrDefault(event.Branch, svc.DefaultBranch), entryID, deployment.ID)
	}

	if err := d.engine.QueueDeployment(ctx, deployment); err != nil {
		return outcome, fmt.Errorf("queue deployment: %w", err)
	}

	result, err := d.engine.DeployService(ctx, deployment.ID)
	if err != nil {
		return outcome, fmt.Errorf("deploy service: %w", err)
	}
	outcome.Result = &result
	return outcome, nil
}

func branchOrDefault(branch, fallback string) string {
	if branch != "" {
		return branch
	}
	return fallback
}
