package dispatch

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/builder"
	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/provider"
	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/service/changecache"
	"github.com/stackdock/stackdock/internal/service/lifecycle"
	"github.com/stackdock/stackdock/internal/service/trigger"
)

type fakeServiceRepo struct {
	services map[string]domain.Service
}

func (f *fakeServiceRepo) CreateService(_ context.Context, svc *domain.Service) error {
	f.services[svc.ID] = *svc
	return nil
}
func (f *fakeServiceRepo) GetServiceByID(_ context.Context, id string) (*domain.Service, error) {
	svc, ok := f.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := svc
	return &copied, nil
}
func (f *fakeServiceRepo) ListServices(context.Context) ([]domain.Service, error) {
	return nil, nil
}

type fakeDeploymentRepo struct {
	deployments map[string]domain.Deployment
	statusTrail map[string][]domain.Status
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, d *domain.Deployment) error {
	f.deployments[d.ID] = *d
	return nil
}
func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	d, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := d
	return &copied, nil
}
func (f *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.StatusUpdate) error {
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Version != update.Version {
		return repository.ErrStaleDeployment
	}
	d.Status = update.Status
	d.ErrorMessage = update.ErrorMessage
	d.Version++
	d.UpdatedAt = update.At
	f.deployments[update.DeploymentID] = d
	if f.statusTrail == nil {
		f.statusTrail = make(map[string][]domain.Status)
	}
	f.statusTrail[update.DeploymentID] = append(f.statusTrail[update.DeploymentID], update.Status)
	return nil
}
func (f *fakeDeploymentRepo) UpdateDeploymentPhase(_ context.Context, update domain.PhaseUpdate) error {
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	d.Phase = update.Phase
	d.PhaseProgress = update.Progress
	d.PhaseUpdated = update.At
	f.deployments[update.DeploymentID] = d
	return nil
}
func (f *fakeDeploymentRepo) SetDeploymentContainer(_ context.Context, id, name, image string) error {
	d, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.ContainerName = &name
	d.ContainerImage = &image
	f.deployments[id] = d
	return nil
}
func (f *fakeDeploymentRepo) ListDeploymentsByService(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentRepo) ListDeploymentsByServiceAndStatus(context.Context, string, domain.Status) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentRepo) ListDeploymentsUpdatedBefore(context.Context, []domain.Status, time.Time) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentRepo) DeleteDeployment(context.Context, string) error { return nil }

type fakeLogRepo struct{}

func (fakeLogRepo) AppendLog(context.Context, domain.DeploymentLog) error { return nil }
func (fakeLogRepo) ListLogsByDeployment(context.Context, string, int, int) ([]domain.DeploymentLog, error) {
	return nil, nil
}
func (fakeLogRepo) DeleteLogsByDeployment(context.Context, string) error { return nil }

type fakeRuleRepo struct {
	rules []domain.DeploymentRule
}

func (f *fakeRuleRepo) CreateRule(context.Context, *domain.DeploymentRule) error { return nil }
func (f *fakeRuleRepo) GetRuleByID(context.Context, string) (*domain.DeploymentRule, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRuleRepo) UpdateRule(context.Context, *domain.DeploymentRule) error { return nil }
func (f *fakeRuleRepo) DeleteRule(context.Context, string) error                 { return nil }
func (f *fakeRuleRepo) ListRulesByProject(context.Context, string, bool) ([]domain.DeploymentRule, error) {
	return f.rules, nil
}

type fakeCacheRepo struct {
	entries []domain.CacheEntry
	linked  map[string]string
}

func (f *fakeCacheRepo) PutEntry(_ context.Context, entry *domain.CacheEntry) error {
	f.entries = append(f.entries, *entry)
	return nil
}
func (f *fakeCacheRepo) LatestEntry(_ context.Context, _, _, branch string) (*domain.CacheEntry, error) {
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].Branch == branch {
			copied := f.entries[i]
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}
func (f *fakeCacheRepo) LinkDeployment(_ context.Context, _, _, _, entryID, deploymentID string) error {
	if f.linked == nil {
		f.linked = make(map[string]string)
	}
	f.linked[entryID] = deploymentID
	return nil
}
func (f *fakeCacheRepo) TrimBranch(context.Context, string, string, string, int) error { return nil }

type fakeProvider struct {
	skip provider.SkipDecision
}

func (fakeProvider) ID() string                  { return "git" }
func (fakeProvider) Name() string                { return "Git" }
func (fakeProvider) Description() string         { return "test provider" }
func (fakeProvider) SupportedBuilders() []string { return []string{"container"} }
func (fakeProvider) ValidateConfig(provider.Config) error {
	return nil
}
func (fakeProvider) FetchSource(_ context.Context, cfg provider.Config, _ domain.TriggerEvent) (*provider.SourceResult, error) {
	meta := provider.SourceMetadata{Provider: "git", CommitSHA: cfg.CommitSHA, Branch: cfg.Branch}
	return provider.NewSourceResult("src-1", "/tmp/src", meta, nil, nil), nil
}
func (f fakeProvider) ShouldSkipDeployment(context.Context, provider.Config, domain.TriggerEvent) (provider.SkipDecision, error) {
	return f.skip, nil
}
func (fakeProvider) DeploymentVersion(*provider.SourceResult) string { return "v1" }
func (fakeProvider) RoutingTemplate() string                         { return "{service}.local" }

type fakeBuilder struct {
	deploys int
}

func (*fakeBuilder) ID() string          { return "container" }
func (*fakeBuilder) Name() string        { return "Container" }
func (*fakeBuilder) Description() string { return "test builder" }
func (b *fakeBuilder) Deploy(_ context.Context, cfg builder.BuildConfig) (builder.BuildResult, error) {
	b.deploys++
	if cfg.OnPhaseUpdate != nil {
		cfg.OnPhaseUpdate(domain.PhaseBuilding, 40, nil)
		cfg.OnPhaseUpdate(domain.PhaseCopyingFiles, 60, nil)
		cfg.OnPhaseUpdate(domain.PhaseUpdatingRoutes, 90, nil)
	}
	return builder.BuildResult{
		Status:        builder.BuildSuccess,
		ContainerIDs:  []string{"c1"},
		ContainerName: "web-dep",
		Image:         "web:v1",
	}, nil
}
func (*fakeBuilder) RoutingTemplate() string { return "{service}-{deployment}.local" }

type fakeHealth struct{}

func (fakeHealth) VerifyDeployment(context.Context, *domain.Deployment, *domain.Service) (bool, string, error) {
	return true, "health check passed", nil
}

type dispatchEnv struct {
	dispatcher  *Dispatcher
	deployments *fakeDeploymentRepo
	cacheRepo   *fakeCacheRepo
	builder     *fakeBuilder
	rules       *fakeRuleRepo
	provider    *fakeProvider
}

func deployRule(bypassCache bool) domain.DeploymentRule {
	return domain.DeploymentRule{
		ID: "rule-1", ProjectID: "proj-1", Name: "main", Priority: 100, Enabled: true,
		Trigger: domain.EventPush, BranchPattern: "main", Action: domain.ActionDeploy,
		BypassCache: bypassCache,
	}
}

func newDispatchEnv(t *testing.T, rules ...domain.DeploymentRule) *dispatchEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	services := &fakeServiceRepo{services: map[string]domain.Service{
		"svc-1": {
			ID: "svc-1", ProjectID: "proj-1", Name: "web", Type: domain.ServiceContainer,
			ProviderID: "git", BuilderID: "container",
			RepositoryID: "repo-1", RepoURL: "https://git.local/web.git", DefaultBranch: "main",
			Environment:   domain.EnvProduction,
			CacheStrategy: domain.CacheStrict,
			Retention:     domain.DefaultRetentionPolicy(),
		},
	}}
	deployments := &fakeDeploymentRepo{deployments: make(map[string]domain.Deployment)}
	ruleRepo := &fakeRuleRepo{rules: rules}
	cacheRepo := &fakeCacheRepo{}

	prov := &fakeProvider{}
	providers, err := provider.NewRegistryBuilder().Register(prov).Build()
	if err != nil {
		t.Fatalf("provider registry: %v", err)
	}
	b := &fakeBuilder{}
	builders, err := builder.NewRegistryBuilder().Register(b).Build()
	if err != nil {
		t.Fatalf("builder registry: %v", err)
	}

	engine := lifecycle.New(services, deployments, fakeLogRepo{}, providers, builders, nil, nil, nil, metrics.New(), logger)
	engine.SetHealthChecker(fakeHealth{})
	ruleEngine := trigger.New(ruleRepo, trigger.NewPredicateRegistry(), logger)
	cache := changecache.New(cacheRepo, logger, 10)

	return &dispatchEnv{
		dispatcher:  New(services, ruleEngine, cache, providers, engine, logger),
		deployments: deployments,
		cacheRepo:   cacheRepo,
		builder:     b,
		rules:       ruleRepo,
		provider:    prov,
	}
}

func pushEvent(sha string) domain.TriggerEvent {
	return domain.TriggerEvent{Type: domain.EventPush, Branch: "main", CommitSHA: sha}
}

func TestHandleEventDeploysThroughPipeline(t *testing.T) {
	env := newDispatchEnv(t, deployRule(false))

	outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome.Skipped || outcome.DeploymentID == "" {
		t.Fatalf("expected a deployment, got %+v", outcome)
	}
	if outcome.Result == nil || outcome.Result.Status != domain.StatusSuccess {
		t.Fatalf("expected successful pipeline, got %+v", outcome.Result)
	}
	stored := env.deployments.deployments[outcome.DeploymentID]
	if stored.Status != domain.StatusSuccess || stored.Phase != domain.PhaseActive {
		t.Fatalf("deployment not active: status=%s phase=%s", stored.Status, stored.Phase)
	}
	if env.builder.deploys != 1 {
		t.Fatalf("builder invoked %d times", env.builder.deploys)
	}
	if len(env.cacheRepo.entries) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(env.cacheRepo.entries))
	}
	if env.cacheRepo.linked[env.cacheRepo.entries[0].ID] != outcome.DeploymentID {
		t.Fatalf("cache entry not linked to deployment: %v", env.cacheRepo.linked)
	}
	trail := env.deployments.statusTrail[outcome.DeploymentID]
	if len(trail) < 2 || trail[0] != domain.StatusQueued || trail[1] != domain.StatusBuilding {
		t.Fatalf("deployment must pass through queued before building, got %v", trail)
	}
}

func TestHandleEventNoRuleMatches(t *testing.T) {
	env := newDispatchEnv(t)

	outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !outcome.Skipped || outcome.Action != domain.ActionNone {
		t.Fatalf("expected skip with no action, got %+v", outcome)
	}
	if env.builder.deploys != 0 {
		t.Fatal("no rule must mean no deployment")
	}
}

func TestHandleEventNonDeployAction(t *testing.T) {
	rule := deployRule(false)
	rule.Action = domain.ActionSkip
	env := newDispatchEnv(t, rule)

	outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !outcome.Skipped || outcome.Action != domain.ActionSkip || outcome.Rule != "main" {
		t.Fatalf("expected skip action outcome, got %+v", outcome)
	}
	if env.builder.deploys != 0 {
		t.Fatal("skip action must not deploy")
	}
}

func TestHandleEventCacheSkipsRepeatedCommit(t *testing.T) {
	env := newDispatchEnv(t, deployRule(false))

	first, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if first.Skipped {
		t.Fatalf("first event must deploy, got %+v", first)
	}
	second, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("repeated commit must skip, got %+v", second)
	}
	if env.builder.deploys != 1 {
		t.Fatalf("builder must run once, ran %d times", env.builder.deploys)
	}
}

func TestHandleEventBypassCacheRedeploys(t *testing.T) {
	env := newDispatchEnv(t, deployRule(true))

	for i := 0; i < 2; i++ {
		outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
		if err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		if outcome.Skipped {
			t.Fatalf("bypass-cache rule must always deploy, got %+v", outcome)
		}
	}
	if env.builder.deploys != 2 {
		t.Fatalf("expected two deployments, got %d", env.builder.deploys)
	}
}

func TestHandleEventProviderSkipMarker(t *testing.T) {
	env := newDispatchEnv(t, deployRule(false))
	env.provider.skip = provider.SkipDecision{Skip: true, Reason: "commit message contains [skip deploy]"}

	outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", pushEvent("abc123"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !outcome.Skipped || outcome.Reason != "commit message contains [skip deploy]" {
		t.Fatalf("expected provider skip, got %+v", outcome)
	}
	if env.builder.deploys != 0 {
		t.Fatal("provider skip must not deploy")
	}
}

func TestHandleEventPullRequestGetsPreviewEnvironment(t *testing.T) {
	rule := domain.DeploymentRule{
		ID: "rule-pr", ProjectID: "proj-1", Name: "previews", Priority: 100, Enabled: true,
		Trigger: domain.EventPullRequest, Action: domain.ActionDeploy, BypassCache: true,
	}
	env := newDispatchEnv(t, rule)

	event := domain.TriggerEvent{
		Type:        domain.EventPullRequest,
		Branch:      "feature/login",
		CommitSHA:   "abc123",
		PullRequest: &domain.PullRequestInfo{Number: 42, TargetBranch: "main"},
	}
	outcome, err := env.dispatcher.HandleEvent(context.Background(), "svc-1", event)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored := env.deployments.deployments[outcome.DeploymentID]
	if stored.Environment != domain.EnvPreview {
		t.Fatalf("PR deployments must land in preview, got %s", stored.Environment)
	}
	if stored.TriggerPR != 42 {
		t.Fatalf("PR number not recorded, got %d", stored.TriggerPR)
	}
}

func TestHandleEventUnknownService(t *testing.T) {
	env := newDispatchEnv(t, deployRule(false))
	if _, err := env.dispatcher.HandleEvent(context.Background(), "svc-missing", pushEvent("abc123")); err == nil {
		t.Fatal("unknown service must error")
	}
}
