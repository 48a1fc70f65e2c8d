package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackdock/stackdock/internal/domain"
)

// Skip markers honored in commit messages.
var skipMarkers = []string{"[skip ci]", "[ci skip]", "[skip deploy]"}

// GitProvider fetches source material by shallow-cloning a git repository.
type GitProvider struct {
	workspace *Workspace
	logger    *slog.Logger
}

var _ Provider = (*GitProvider)(nil)

// NewGitProvider returns a git-hosting source provider.
func NewGitProvider(workspace *Workspace, logger *slog.Logger) *GitProvider {
	return &GitProvider{workspace: workspace, logger: logger}
}

func (p *GitProvider) ID() string          { return "git" }
func (p *GitProvider) Name() string        { return "Git repository" }
func (p *GitProvider) Description() string { return "Clones a git repository at a branch or commit" }

func (p *GitProvider) SupportedBuilders() []string { return []string{"container", "static"} }

// ValidateConfig checks the fields the git provider requires.
func (p *GitProvider) ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.RepoURL) == "" {
		return fmt.Errorf("git provider: repository url required")
	}
	return nil
}

// FetchSource clones the repository into an isolated workspace directory and
// returns the commit metadata. The result's cleanup removes the clone.
func (p *GitProvider) FetchSource(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (*SourceResult, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	sourceID := uuid.NewString()
	dir, err := p.workspace.Prepare(sourceID)
	if err != nil {
		return nil, err
	}
	cleanup := func() error { return p.workspace.Cleanup(dir) }

	branch := cfg.Branch
	if branch == "" {
		branch = trigger.Branch
	}
	if err := clone(ctx, cfg.RepoURL, branch, dir); err != nil {
		_ = cleanup()
		return nil, err
	}
	if sha := strings.TrimSpace(cfg.CommitSHA); sha != "" {
		if err := checkout(ctx, dir, sha); err != nil {
			_ = cleanup()
			return nil, err
		}
	}

	meta, err := headMetadata(ctx, dir)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	meta.Provider = p.ID()
	meta.Branch = branch

	p.logger.Info("source fetched", "provider", p.ID(), "repo", cfg.RepoURL, "branch", branch, "commit", meta.CommitSHA)
	return NewSourceResult(sourceID, dir, meta, trigger.ChangedFiles, cleanup), nil
}

// ShouldSkipDeployment honors skip markers in the commit message. The
// change-detection cache makes the redundancy decision; this only covers
// explicit author intent.
func (p *GitProvider) ShouldSkipDeployment(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (SkipDecision, error) {
	message := strings.ToLower(trigger.CommitMessage)
	for _, marker := range skipMarkers {
		if strings.Contains(message, marker) {
			return SkipDecision{Skip: true, Reason: fmt.Sprintf("commit message contains %q", marker)}, nil
		}
	}
	return SkipDecision{}, nil
}

// DeploymentVersion is the short commit SHA.
func (p *GitProvider) DeploymentVersion(source *SourceResult) string {
	if source == nil {
		return ""
	}
	sha := source.Metadata.CommitSHA
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

func (p *GitProvider) RoutingTemplate() string {
	return "Host(`{{domain}}`) -> {{container_name}}:{{container_port}}"
}

func clone(ctx context.Context, repoURL, branch, dest string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}

func checkout(ctx context.Context, dir, commitSHA string) error {
	fetch := exec.CommandContext(ctx, "git", "fetch", "--depth", "1", "origin", commitSHA)
	fetch.Dir = dir
	if output, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("git fetch %s failed: %w: %s", commitSHA, err, string(output))
	}
	cmd := exec.CommandContext(ctx, "git", "checkout", commitSHA)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout %s failed: %w: %s", commitSHA, err, string(output))
	}
	return nil
}

func headMetadata(ctx context.Context, dir string) (SourceMetadata, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%H%n%an%n%cI%n%s")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return SourceMetadata{}, fmt.Errorf("git log failed: %w", err)
	}
	lines := strings.SplitN(strings.TrimSpace(string(output)), "\n", 4)
	meta := SourceMetadata{}
	if len(lines) > 0 {
		meta.CommitSHA = lines[0]
		meta.Version = lines[0]
	}
	if len(lines) > 1 {
		meta.Author = lines[1]
	}
	if len(lines) > 2 {
		if ts, err := time.Parse(time.RFC3339, lines[2]); err == nil {
			meta.Timestamp = ts
		}
	}
	if len(lines) > 3 {
		meta.Message = lines[3]
	}
	return meta, nil
}
