package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
	"github.com/stackdock/stackdock/internal/service/reconcile"
)

func (e *testEnv) seedDeployment(id string, status domain.Status, phase domain.Phase) domain.Deployment {
	d := domain.Deployment{
		ID:        id,
		ServiceID: "svc-1",
		Status:    status,
		Phase:     phase,
	}
	e.deployments.deployments[id] = d
	return d
}

func TestResumeFromEarlyPhasesFails(t *testing.T) {
	for _, phase := range []domain.Phase{domain.PhasePullingSource, domain.PhaseBuilding} {
		t.Run(string(phase), func(t *testing.T) {
			env := newTestEnv(t)
			env.seedDeployment("dep-1", domain.StatusBuilding, phase)

			if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
				t.Fatalf("resume: %v", err)
			}
			stored := env.deployments.deployments["dep-1"]
			if stored.Status != domain.StatusFailed {
				t.Fatalf("expected failed, got %s", stored.Status)
			}
			if stored.ErrorMessage == "" {
				t.Fatal("expected an error message naming the lost phase")
			}
		})
	}
}

func TestResumeFromCopyingFilesContainerPresent(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseCopyingFiles)
	name := "sd-web-1"
	d.ContainerName = &name
	env.deployments.deployments[d.ID] = d
	env.runtime.exists[name] = true
	env.svc.SetHealthChecker(&fakeHealth{healthy: true})

	if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	stored := env.deployments.deployments["dep-1"]
	if stored.Status != domain.StatusSuccess {
		t.Fatalf("expected success after recovery, got %s (%s)", stored.Status, stored.ErrorMessage)
	}
	if stored.Phase != domain.PhaseActive {
		t.Fatalf("expected active phase, got %s", stored.Phase)
	}
}

func TestResumeFromCopyingFilesContainerMissing(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseCopyingFiles)
	name := "sd-web-1"
	d.ContainerName = &name
	env.deployments.deployments[d.ID] = d
	// runtime has no such container

	if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := env.deployments.deployments["dep-1"].Status; got != domain.StatusFailed {
		t.Fatalf("expected failed without artifact, got %s", got)
	}
}

func TestResumeFromCreatingSymlinksRelinksStatic(t *testing.T) {
	env := newTestEnv(t)
	svc := env.services.services["svc-1"]
	svc.Type = domain.ServiceStatic
	svc.BuilderID = "container" // builder not consulted during resume
	env.services.services["svc-1"] = svc
	env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseCreatingSymlinks)
	env.svc.SetHealthChecker(&fakeHealth{healthy: true})

	if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(env.static.swapped) != 1 {
		t.Fatalf("expected one symlink swap, got %d", len(env.static.swapped))
	}
	if got := env.deployments.deployments["dep-1"].Status; got != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestResumeFromUpdatingRoutesSkipsRelink(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseUpdatingRoutes)
	env.svc.SetHealthChecker(&fakeHealth{healthy: true})

	if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(env.static.swapped) != 0 {
		t.Fatal("route resume must not re-run the symlink swap")
	}
	if got := env.deployments.deployments["dep-1"].Status; got != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestResumeFromHealthCheckReprobes(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseHealthCheck)
	env.svc.SetHealthChecker(&fakeHealth{healthy: false, detail: "still down"})

	if err := env.svc.ResumeFromPhase(context.Background(), "dep-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	stored := env.deployments.deployments["dep-1"]
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed after bad reprobe, got %s", stored.Status)
	}
}

func TestResumeFromUnknownPhaseFailsFast(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeployment("dep-1", domain.StatusBuilding, domain.Phase("hyperspace"))

	err := env.svc.ResumeFromPhase(context.Background(), "dep-1")
	if err == nil {
		t.Fatal("unknown phase must surface an error")
	}
	if got := env.deployments.deployments["dep-1"].Status; got != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

// A crash mid copy leaves a deploying row with its container already
// recorded. The startup sweep must claim the row, verify the artifact and
// drive the idempotent tail through to active.
func TestCrashRecoverySweepResumesToActive(t *testing.T) {
	env := newTestEnv(t)
	d := env.seedDeployment("dep-1", domain.StatusDeploying, domain.PhaseCopyingFiles)
	name := "sd-web-1"
	d.ContainerName = &name
	d.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	env.deployments.deployments[d.ID] = d
	env.runtime.exists[name] = true
	env.svc.SetHealthChecker(&fakeHealth{healthy: true})

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	scanner := reconcile.NewScanner(env.deployments, env.svc, logger, 5*time.Minute, time.Minute)
	scanner.Sweep(context.Background())

	stored := env.deployments.deployments["dep-1"]
	if stored.Status != domain.StatusSuccess {
		t.Fatalf("expected success after recovery, got %s (%s)", stored.Status, stored.ErrorMessage)
	}
	if stored.Phase != domain.PhaseActive {
		t.Fatalf("expected active phase, got %s", stored.Phase)
	}
	if stored.Version < 2 {
		t.Fatalf("claim and completion must bump the row version, got %d", stored.Version)
	}
	logs := strings.Join(env.logs.messagesFor("dep-1"), "\n")
	if !strings.Contains(logs, "resuming from phase copying_files") {
		t.Fatalf("missing resume log entry:\n%s", logs)
	}
	if !strings.Contains(logs, "present, advancing") {
		t.Fatalf("missing artifact verification log entry:\n%s", logs)
	}
	if !strings.Contains(logs, "deployment recovered and active") {
		t.Fatalf("missing recovery completion log:\n%s", logs)
	}

	// The row is terminal now, so a second sweep leaves it alone.
	scanner.Sweep(context.Background())
	if got := env.deployments.deployments["dep-1"].Status; got != domain.StatusSuccess {
		t.Fatalf("settled row must survive later sweeps, got %s", got)
	}
}

func TestClaimForResumeLosesRace(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeployment("dep-1", domain.StatusBuilding, domain.PhaseBuilding)

	first, err := env.deployments.GetDeploymentByID(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := env.deployments.GetDeploymentByID(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := env.svc.ClaimForResume(context.Background(), first); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err = env.svc.ClaimForResume(context.Background(), second)
	if !errors.Is(err, repository.ErrStaleDeployment) {
		t.Fatalf("second claim should lose with ErrStaleDeployment, got %v", err)
	}
}
