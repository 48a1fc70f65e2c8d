package lifecycle

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/builder"
	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/metrics"
	"github.com/stackdock/stackdock/internal/provider"
	"github.com/stackdock/stackdock/internal/repository"
)

type fakeServiceRepo struct {
	services map[string]domain.Service
}

func (f *fakeServiceRepo) CreateService(_ context.Context, s *domain.Service) error {
	f.services[s.ID] = *s
	return nil
}

func (f *fakeServiceRepo) GetServiceByID(_ context.Context, id string) (*domain.Service, error) {
	s, ok := f.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := s
	return &copied, nil
}

func (f *fakeServiceRepo) ListServices(context.Context) ([]domain.Service, error) {
	out := make([]domain.Service, 0, len(f.services))
	for _, s := range f.services {
		out = append(out, s)
	}
	return out, nil
}

type fakeDeploymentRepo struct {
	deployments map[string]domain.Deployment
	statusErr   error
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
	if f.statusErr != nil {
		return f.statusErr
	}
	d, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if d.Version != update.Version {
		return repository.ErrStaleDeployment
	}
	d.Status = update.Status
	d.Version++
	d.UpdatedAt = update.At
	if update.ErrorMessage != "" {
		d.ErrorMessage = update.ErrorMessage
	}
	f.deployments[d.ID] = d
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
	f.deployments[d.ID] = d
	return nil
}

func (f *fakeDeploymentRepo) SetDeploymentContainer(_ context.Context, id, name, image string) error {
	d, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.ContainerName, d.ContainerImage = &name, &image
	f.deployments[id] = d
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByService(_ context.Context, serviceID string, limit int) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0)
	for _, d := range f.deployments {
		if d.ServiceID == serviceID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByServiceAndStatus(_ context.Context, serviceID string, status domain.Status) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0)
	for _, d := range f.deployments {
		if d.ServiceID == serviceID && d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsUpdatedBefore(_ context.Context, statuses []domain.Status, before time.Time) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0)
	for _, d := range f.deployments {
		for _, s := range statuses {
			if d.Status == s && d.UpdatedAt.Before(before) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) DeleteDeployment(_ context.Context, id string) error {
	if _, ok := f.deployments[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.deployments, id)
	return nil
}

type fakeLogRepo struct {
	entries []domain.DeploymentLog
}

func (f *fakeLogRepo) AppendLog(_ context.Context, entry domain.DeploymentLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLogRepo) ListLogsByDeployment(_ context.Context, id string, _, _ int) ([]domain.DeploymentLog, error) {
	out := make([]domain.DeploymentLog, 0)
	for _, e := range f.entries {
		if e.DeploymentID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLogRepo) DeleteLogsByDeployment(_ context.Context, id string) error {
	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.DeploymentID != id {
			kept = append(kept, e)
		}
	}
	f.entries = kept
	return nil
}

func (f *fakeLogRepo) messagesFor(id string) []string {
	out := make([]string, 0)
	for _, e := range f.entries {
		if e.DeploymentID == id {
			out = append(out, e.Message)
		}
	}
	return out
}

type fakeProvider struct {
	id          string
	fetchErr    error
	source      *provider.SourceResult
	cleanupHits *int
}

func (f *fakeProvider) ID() string                  { return f.id }
func (f *fakeProvider) Name() string                { return f.id }
func (f *fakeProvider) Description() string         { return "test provider" }
func (f *fakeProvider) SupportedBuilders() []string { return nil }
func (f *fakeProvider) ValidateConfig(provider.Config) error {
	return nil
}
func (f *fakeProvider) FetchSource(context.Context, provider.Config, domain.TriggerEvent) (*provider.SourceResult, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.source == nil {
		f.source = provider.NewSourceResult("src-1", "/tmp/src", provider.SourceMetadata{CommitSHA: "abc123def456789"}, nil, func() error {
			if f.cleanupHits != nil {
				*f.cleanupHits++
			}
			return nil
		})
	}
	return f.source, nil
}
func (f *fakeProvider) ShouldSkipDeployment(context.Context, provider.Config, domain.TriggerEvent) (provider.SkipDecision, error) {
	return provider.SkipDecision{}, nil
}
func (f *fakeProvider) DeploymentVersion(*provider.SourceResult) string { return "abc123def456" }
func (f *fakeProvider) RoutingTemplate() string                         { return "" }

type fakeBuilder struct {
	id        string
	result    builder.BuildResult
	deployErr error
	phases    []domain.Phase
}

func (f *fakeBuilder) ID() string              { return f.id }
func (f *fakeBuilder) Name() string            { return f.id }
func (f *fakeBuilder) Description() string     { return "test builder" }
func (f *fakeBuilder) RoutingTemplate() string { return "" }
func (f *fakeBuilder) Deploy(_ context.Context, cfg builder.BuildConfig) (builder.BuildResult, error) {
	for _, p := range f.phases {
		if cfg.OnPhaseUpdate != nil {
			cfg.OnPhaseUpdate(p, 50, nil)
		}
	}
	if cfg.OnLog != nil {
		cfg.OnLog(domain.LogLevelInfo, "builder at work", "build")
	}
	return f.result, f.deployErr
}

type fakeHealth struct {
	healthy bool
	detail  string
	err     error
}

func (f *fakeHealth) VerifyDeployment(context.Context, *domain.Deployment, *domain.Service) (bool, string, error) {
	return f.healthy, f.detail, f.err
}

type fakeRuntime struct {
	exists map[string]bool
}

func (f *fakeRuntime) ContainerExists(_ context.Context, name string) (bool, error) {
	return f.exists[name], nil
}

type fakeStatic struct {
	releaseDir string
	swapped    []string
	swapErr    error
}

func (f *fakeStatic) ReleaseDir(serviceName, deploymentID string) string {
	return f.releaseDir
}

func (f *fakeStatic) SwapCurrent(serviceName, target string) error {
	if f.swapErr != nil {
		return f.swapErr
	}
	f.swapped = append(f.swapped, target)
	return nil
}

type recordingSubscriber struct {
	changes []domain.Status
}

func (r *recordingSubscriber) DeploymentStatusChanged(_ context.Context, _ *domain.Deployment, status domain.Status) {
	r.changes = append(r.changes, status)
}

type testEnv struct {
	svc         *Service
	services    *fakeServiceRepo
	deployments *fakeDeploymentRepo
	logs        *fakeLogRepo
	provider    *fakeProvider
	builder     *fakeBuilder
	runtime     *fakeRuntime
	static      *fakeStatic
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cleanupHits := 0
	prov := &fakeProvider{id: "git", cleanupHits: &cleanupHits}
	bld := &fakeBuilder{
		id:     "container",
		result: builder.BuildResult{Status: builder.BuildSuccess, ContainerName: "sd-web-1", Image: "stackdock/web:1", ContainerIDs: []string{"c1"}},
	}
	providers, err := provider.NewRegistryBuilder().Register(prov).Build()
	if err != nil {
		t.Fatalf("provider registry: %v", err)
	}
	builders, err := builder.NewRegistryBuilder().Register(bld).Build()
	if err != nil {
		t.Fatalf("builder registry: %v", err)
	}

	services := &fakeServiceRepo{services: map[string]domain.Service{
		"svc-1": {
			ID:          "svc-1",
			ProjectID:   "proj-1",
			Name:        "web",
			Type:        domain.ServiceContainer,
			ProviderID:  "git",
			BuilderID:   "container",
			Environment: domain.EnvProduction,
		},
	}}
	deployments := &fakeDeploymentRepo{deployments: make(map[string]domain.Deployment)}
	logs := &fakeLogRepo{}
	runtime := &fakeRuntime{exists: make(map[string]bool)}
	static := &fakeStatic{releaseDir: t.TempDir()}

	svc := New(services, deployments, logs, providers, builders, runtime, static, nil, metrics.New(), logger)
	return &testEnv{
		svc:         svc,
		services:    services,
		deployments: deployments,
		logs:        logs,
		provider:    prov,
		builder:     bld,
		runtime:     runtime,
		static:      static,
	}
}

func (e *testEnv) createDeployment(t *testing.T) *domain.Deployment {
	t.Helper()
	d, err := e.svc.CreateDeployment(context.Background(), CreateSpec{ServiceID: "svc-1"})
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	return d
}

func TestCreateDeploymentStartsPending(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)

	stored := env.deployments.deployments[d.ID]
	if stored.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", stored.Status)
	}
	if stored.Phase != domain.PhasePullingSource {
		t.Fatalf("expected pulling_source, got %s", stored.Phase)
	}
	if stored.SourceType != "git" {
		t.Fatalf("expected provider id from service, got %q", stored.SourceType)
	}
	if len(env.logs.messagesFor(d.ID)) == 0 {
		t.Fatal("expected an initialization log entry")
	}
}

func TestQueueDeploymentMarksPendingRow(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)

	if err := env.svc.QueueDeployment(context.Background(), d); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if got := env.deployments.deployments[d.ID].Status; got != domain.StatusQueued {
		t.Fatalf("expected queued, got %s", got)
	}
	if err := env.svc.QueueDeployment(context.Background(), d); err == nil {
		t.Fatal("only pending deployments can be queued")
	}
}

func TestDeployServiceRunsFromQueued(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)
	if err := env.svc.QueueDeployment(context.Background(), d); err != nil {
		t.Fatalf("queue: %v", err)
	}

	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s (error %q)", result.Status, result.Error)
	}
}

func TestDeployServiceSuccess(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)

	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s (error %q)", result.Status, result.Error)
	}

	stored := env.deployments.deployments[d.ID]
	if stored.Status != domain.StatusSuccess {
		t.Fatalf("persisted status %s", stored.Status)
	}
	if stored.Phase != domain.PhaseActive {
		t.Fatalf("persisted phase %s", stored.Phase)
	}
	if stored.ContainerName == nil || *stored.ContainerName != "sd-web-1" {
		t.Fatal("container identity not recorded")
	}
	if hits := *env.provider.cleanupHits; hits != 1 {
		t.Fatalf("expected exactly one source cleanup, got %d", hits)
	}
}

func TestDeployServiceUnknownProviderFails(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)
	stored := env.deployments.deployments[d.ID]
	stored.SourceType = "svn"
	env.deployments.deployments[d.ID] = stored

	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("pipeline failures must not propagate: %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !strings.Contains(result.Error, "svn") {
		t.Fatalf("error should name the missing provider, got %q", result.Error)
	}
	if env.deployments.deployments[d.ID].Status != domain.StatusFailed {
		t.Fatal("failed status not persisted")
	}
}

func TestDeployServiceBuilderFailureFoldsIntoResult(t *testing.T) {
	env := newTestEnv(t)
	env.builder.result = builder.BuildResult{Status: builder.BuildFailed, Message: "image build failed"}
	env.builder.deployErr = errors.New("docker exploded")
	d := env.createDeployment(t)

	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("pipeline failures must not propagate: %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if hits := *env.provider.cleanupHits; hits != 1 {
		t.Fatalf("source cleanup must run on failure, got %d", hits)
	}
	stored := env.deployments.deployments[d.ID]
	if stored.Phase != domain.PhaseFailed {
		t.Fatalf("expected failed phase, got %s", stored.Phase)
	}
	if stored.ErrorMessage == "" {
		t.Fatal("error message not persisted")
	}
}

func TestDeployServiceHealthFailure(t *testing.T) {
	env := newTestEnv(t)
	env.svc.SetHealthChecker(&fakeHealth{healthy: false, detail: "probe returned 500"})
	d := env.createDeployment(t)

	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if !strings.Contains(result.Error, "probe returned 500") {
		t.Fatalf("expected probe detail in error, got %q", result.Error)
	}
}

func TestDeployServiceSupersedesPreviousSuccess(t *testing.T) {
	env := newTestEnv(t)
	old := domain.Deployment{
		ID:        "dep-old",
		ServiceID: "svc-1",
		Status:    domain.StatusSuccess,
		Phase:     domain.PhaseActive,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	env.deployments.deployments[old.ID] = old

	d := env.createDeployment(t)
	result, err := env.svc.DeployService(context.Background(), d.ID)
	if err != nil || result.Status != domain.StatusSuccess {
		t.Fatalf("deploy: %v status %s", err, result.Status)
	}

	if got := env.deployments.deployments["dep-old"].Status; got != domain.StatusCancelled {
		t.Fatalf("previous deployment should be cancelled, got %s", got)
	}
	oldLogs := strings.Join(env.logs.messagesFor("dep-old"), "\n")
	newLogs := strings.Join(env.logs.messagesFor(d.ID), "\n")
	if !strings.Contains(oldLogs, "superseded by deployment "+d.ID) {
		t.Fatal("old deployment missing supersession cross-link")
	}
	if !strings.Contains(newLogs, "supersedes deployment dep-old") {
		t.Fatal("new deployment missing supersession cross-link")
	}
}

func TestSetStatusNotifiesSubscribers(t *testing.T) {
	env := newTestEnv(t)
	sub := &recordingSubscriber{}
	env.svc.Subscribe(sub)
	d := env.createDeployment(t)

	if err := env.svc.UpdateStatus(context.Background(), d.ID, domain.StatusFailed, "boom"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if len(sub.changes) != 1 || sub.changes[0] != domain.StatusFailed {
		t.Fatalf("subscriber saw %v", sub.changes)
	}
}

func TestSetStatusStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)

	// Another writer bumps the row version behind our back.
	stored := env.deployments.deployments[d.ID]
	stored.Version = 7
	env.deployments.deployments[d.ID] = stored

	err := env.svc.setStatus(context.Background(), d, domain.StatusBuilding, "")
	if !errors.Is(err, repository.ErrStaleDeployment) {
		t.Fatalf("expected ErrStaleDeployment, got %v", err)
	}
}

func TestUpdatePhaseRejectsBackwardTransition(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)
	if err := env.svc.UpdatePhase(context.Background(), d.ID, domain.PhaseUpdatingRoutes, 90, nil); err != nil {
		t.Fatalf("forward phase: %v", err)
	}
	err := env.svc.UpdatePhase(context.Background(), d.ID, domain.PhaseBuilding, 10, nil)
	if err == nil {
		t.Fatal("backward phase transition should be rejected")
	}
}

func TestUpdatePhaseAlwaysAppendsLog(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDeployment(t)
	before := len(env.logs.messagesFor(d.ID))
	if err := env.svc.UpdatePhase(context.Background(), d.ID, domain.PhaseBuilding, 40, nil); err != nil {
		t.Fatalf("update phase: %v", err)
	}
	after := env.logs.messagesFor(d.ID)
	if len(after) != before+1 {
		t.Fatalf("expected one new log entry, got %d -> %d", before, len(after))
	}
	if !strings.Contains(after[len(after)-1], "building") {
		t.Fatalf("phase log missing phase name: %q", after[len(after)-1])
	}
}

func TestStopPreviousDeploymentsPreviewMatchesTriggerOnly(t *testing.T) {
	env := newTestEnv(t)
	mk := func(id, branch string, pr int) {
		env.deployments.deployments[id] = domain.Deployment{
			ID:            id,
			ServiceID:     "svc-1",
			Status:        domain.StatusSuccess,
			Environment:   domain.EnvPreview,
			TriggerBranch: branch,
			TriggerPR:     pr,
		}
	}
	mk("dep-same-pr", "feature/x", 42)
	mk("dep-other-pr", "feature/y", 7)

	stopped, errored := env.svc.StopPreviousDeployments(context.Background(), "svc-1", domain.EnvPreview,
		domain.TriggerEvent{Branch: "feature/x", PullRequest: &domain.PullRequestInfo{Number: 42}})

	if len(errored) != 0 {
		t.Fatalf("unexpected errors: %v", errored)
	}
	if len(stopped) != 1 || stopped[0] != "dep-same-pr" {
		t.Fatalf("expected only the matching preview deployment stopped, got %v", stopped)
	}
	if env.deployments.deployments["dep-other-pr"].Status != domain.StatusSuccess {
		t.Fatal("unrelated preview deployment must keep running")
	}
}

func TestStopPreviousDeploymentsCollectsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.deployments.deployments["dep-a"] = domain.Deployment{
		ID: "dep-a", ServiceID: "svc-1", Status: domain.StatusBuilding, Environment: domain.EnvProduction,
	}
	env.deployments.statusErr = errors.New("db gone")

	stopped, errored := env.svc.StopPreviousDeployments(context.Background(), "svc-1", domain.EnvProduction, domain.TriggerEvent{})
	if len(stopped) != 0 {
		t.Fatalf("nothing should stop, got %v", stopped)
	}
	if len(errored) != 1 || errored[0] != "dep-a" {
		t.Fatalf("expected dep-a errored, got %v", errored)
	}
}
