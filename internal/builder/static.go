package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
)

// StaticBuilder deploys file trees served by a shared static server. Each
// deployment gets a versioned directory; a `current` symlink repoints
// atomically, so the server never sees a partial copy.
type StaticBuilder struct {
	root   string
	logger *slog.Logger
}

var _ Builder = (*StaticBuilder)(nil)

// NewStaticBuilder returns the static-file builder rooted at root.
func NewStaticBuilder(root string, logger *slog.Logger) (*StaticBuilder, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("static builder: root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("static builder: create root: %w", err)
	}
	return &StaticBuilder{root: root, logger: logger}, nil
}

func (b *StaticBuilder) ID() string   { return "static" }
func (b *StaticBuilder) Name() string { return "Static files" }
func (b *StaticBuilder) Description() string {
	return "Copies files into a versioned directory and repoints the current symlink"
}

func (b *StaticBuilder) RoutingTemplate() string {
	return "Host(`{{domain}}`) -> file:{{path}}/current"
}

// ReleaseDir returns the versioned directory a deployment's files live in.
func (b *StaticBuilder) ReleaseDir(serviceName, deploymentID string) string {
	return filepath.Join(b.root, sanitizeName(serviceName), "releases", deploymentID)
}

// CurrentLink returns the path of the service's current symlink.
func (b *StaticBuilder) CurrentLink(serviceName string) string {
	return filepath.Join(b.root, sanitizeName(serviceName), "current")
}

// Deploy copies the build output into the versioned release directory and
// atomically repoints the current symlink. Copy failures abort before the
// swap so current never points at a partial copy.
func (b *StaticBuilder) Deploy(ctx context.Context, cfg BuildConfig) (BuildResult, error) {
	sourceDir := cfg.SourcePath
	if cfg.OutputDir != "" {
		sourceDir = filepath.Join(cfg.SourcePath, cfg.OutputDir)
	}
	if _, err := os.Stat(sourceDir); err != nil {
		cfg.log(domain.LogLevelError, "output directory missing: "+sourceDir, "copy_files")
		return failed("output directory not found"), fmt.Errorf("static builder: output directory: %w", err)
	}

	releaseDir := b.ReleaseDir(cfg.ServiceName, cfg.DeploymentID)
	cfg.phase(domain.PhaseCopyingFiles, 30, &domain.PhaseMetadata{
		Copy: &domain.CopyPhaseMetadata{SourceDir: sourceDir, TargetDir: releaseDir},
	})
	cfg.log(domain.LogLevelInfo, fmt.Sprintf("copying %s -> %s", sourceDir, releaseDir), "copy_files")

	copied, err := copyDirectory(sourceDir, releaseDir)
	if err != nil {
		cfg.log(domain.LogLevelError, err.Error(), "copy_files")
		return failed("file copy failed"), err
	}
	cfg.phase(domain.PhaseCopyingFiles, 60, &domain.PhaseMetadata{
		Copy: &domain.CopyPhaseMetadata{SourceDir: sourceDir, TargetDir: releaseDir, Files: copied},
	})

	cfg.phase(domain.PhaseCreatingSymlinks, 75, nil)
	cfg.log(domain.LogLevelInfo, "repointing current symlink", "symlink_swap")
	if err := b.SwapCurrent(cfg.ServiceName, releaseDir); err != nil {
		cfg.log(domain.LogLevelError, err.Error(), "symlink_swap")
		return failed("symlink swap failed"), err
	}

	cfg.phase(domain.PhaseUpdatingRoutes, 90, &domain.PhaseMetadata{
		Routes: &domain.RoutePhaseMetadata{Template: b.RoutingTemplate()},
	})
	cfg.log(domain.LogLevelInfo, "route variables published", "routes")

	b.logger.Info("static workload deployed", "deployment_id", cfg.DeploymentID, "release_dir", releaseDir, "files", copied)
	return BuildResult{
		Status:    BuildSuccess,
		Message:   fmt.Sprintf("%d files deployed", copied),
		StaticDir: releaseDir,
	}, nil
}

// SwapCurrent atomically repoints the current symlink at target. The primary
// path creates a temporary symlink and renames it over current. When symlink
// creation fails it falls back to removing current and repointing with the
// absolute target path, then re-verifies by reading the link back.
func (b *StaticBuilder) SwapCurrent(serviceName, target string) error {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve symlink target: %w", err)
	}
	current := b.CurrentLink(serviceName)
	if err := os.MkdirAll(filepath.Dir(current), 0o755); err != nil {
		return fmt.Errorf("create service directory: %w", err)
	}

	tmp := current + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(absTarget, tmp); err == nil {
		if err := os.Rename(tmp, current); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("swap current symlink: %w", err)
		}
	} else {
		// Fallback: direct repoint with the absolute path.
		if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove current symlink: %w", err)
		}
		if err := os.Symlink(absTarget, current); err != nil {
			return fmt.Errorf("repoint current symlink: %w", err)
		}
	}

	resolved, err := os.Readlink(current)
	if err != nil {
		return fmt.Errorf("verify current symlink: %w", err)
	}
	if resolved != absTarget {
		return fmt.Errorf("current symlink points at %q, want %q", resolved, absTarget)
	}
	return nil
}
