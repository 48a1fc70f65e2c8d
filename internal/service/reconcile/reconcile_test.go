package reconcile

import (
	"context"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

type fakeDeploymentRepo struct {
	stale      []domain.Deployment
	listErr    error
	lastCutoff time.Time
	lastStatus []domain.Status
}

func (f *fakeDeploymentRepo) CreateDeployment(context.Context, *domain.Deployment) error { return nil }
func (f *fakeDeploymentRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeDeploymentRepo) UpdateDeploymentStatus(context.Context, domain.StatusUpdate) error {
	return nil
}
func (f *fakeDeploymentRepo) UpdateDeploymentPhase(context.Context, domain.PhaseUpdate) error {
	return nil
}
func (f *fakeDeploymentRepo) SetDeploymentContainer(context.Context, string, string, string) error {
	return nil
}
func (f *fakeDeploymentRepo) ListDeploymentsByService(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentRepo) ListDeploymentsByServiceAndStatus(context.Context, string, domain.Status) ([]domain.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentRepo) ListDeploymentsUpdatedBefore(_ context.Context, statuses []domain.Status, updatedBefore time.Time) ([]domain.Deployment, error) {
	f.lastStatus = statuses
	f.lastCutoff = updatedBefore
	return f.stale, f.listErr
}
func (f *fakeDeploymentRepo) DeleteDeployment(context.Context, string) error { return nil }

type fakeResumer struct {
	claimErrs map[string]error
	claimed   []string
	resumed   []string
	resumeErr error
}

func (f *fakeResumer) ClaimForResume(_ context.Context, d *domain.Deployment) error {
	f.claimed = append(f.claimed, d.ID)
	return f.claimErrs[d.ID]
}

func (f *fakeResumer) ResumeFromPhase(_ context.Context, deploymentID string) error {
	f.resumed = append(f.resumed, deploymentID)
	return f.resumeErr
}

func newTestScanner(repo *fakeDeploymentRepo, resumer *fakeResumer) *Scanner {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewScanner(repo, resumer, logger, 5*time.Minute, time.Hour)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSweepResumesClaimedDeployments(t *testing.T) {
	repo := &fakeDeploymentRepo{stale: []domain.Deployment{
		{ID: "dep-1", Status: domain.StatusBuilding, Phase: domain.PhaseBuilding},
		{ID: "dep-2", Status: domain.StatusDeploying, Phase: domain.PhaseHealthCheck},
	}}
	resumer := &fakeResumer{claimErrs: map[string]error{}}
	s := newTestScanner(repo, resumer)

	s.Sweep(context.Background())

	if len(resumer.resumed) != 2 || resumer.resumed[0] != "dep-1" || resumer.resumed[1] != "dep-2" {
		t.Fatalf("expected both resumed in order, got %v", resumer.resumed)
	}
	want := time.Date(2025, 6, 1, 11, 55, 0, 0, time.UTC)
	if !repo.lastCutoff.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", repo.lastCutoff, want)
	}
	if len(repo.lastStatus) != 4 {
		t.Fatalf("expected the four non-terminal statuses, got %v", repo.lastStatus)
	}
}

func TestSweepSkipsRowsClaimedElsewhere(t *testing.T) {
	repo := &fakeDeploymentRepo{stale: []domain.Deployment{
		{ID: "dep-1", Status: domain.StatusBuilding},
		{ID: "dep-2", Status: domain.StatusDeploying},
	}}
	resumer := &fakeResumer{claimErrs: map[string]error{
		"dep-1": repository.ErrStaleDeployment,
	}}
	s := newTestScanner(repo, resumer)

	s.Sweep(context.Background())

	if len(resumer.claimed) != 2 {
		t.Fatalf("both rows must be claimed, got %v", resumer.claimed)
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != "dep-2" {
		t.Fatalf("only the won claim resumes, got %v", resumer.resumed)
	}
}

func TestSweepToleratesListFailure(t *testing.T) {
	repo := &fakeDeploymentRepo{listErr: context.DeadlineExceeded}
	resumer := &fakeResumer{claimErrs: map[string]error{}}
	s := newTestScanner(repo, resumer)

	s.Sweep(context.Background())

	if len(resumer.claimed) != 0 {
		t.Fatalf("no claims expected after scan failure, got %v", resumer.claimed)
	}
}
