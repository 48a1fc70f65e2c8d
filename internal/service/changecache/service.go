// Package changecache decides whether a new commit actually warrants a
// deployment, backed by per-branch cache entries with the newest entry
// authoritative.
package changecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

// Decision reports a skip verdict with its reasoning.
type Decision struct {
	Skip   bool
	Reason string
}

// Service implements the change-detection cache.
type Service struct {
	cache      repository.CacheRepository
	logger     *slog.Logger
	maxEntries int
}

// New returns the change-detection service. maxEntries caps retained entries
// per branch.
func New(cache repository.CacheRepository, logger *slog.Logger, maxEntries int) *Service {
	if maxEntries <= 0 {
		maxEntries = 10
	}
	return &Service{cache: cache, logger: logger, maxEntries: maxEntries}
}

// ShouldSkipDeployment applies the service's cache strategy to the incoming
// event. With no prior entry it never skips.
func (s *Service) ShouldSkipDeployment(ctx context.Context, svc *domain.Service, event domain.TriggerEvent) (Decision, error) {
	branch := event.Branch
	if branch == "" {
		branch = svc.DefaultBranch
	}
	latest, err := s.cache.LatestEntry(ctx, svc.ProjectID, svc.RepositoryID, branch)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Decision{Reason: "no prior cache entry for branch"}, nil
		}
		return Decision{}, fmt.Errorf("load cache entry: %w", err)
	}

	switch svc.CacheStrategy {
	case domain.CacheStrict:
		if event.CommitSHA != "" && event.CommitSHA == latest.CommitSHA {
			return Decision{Skip: true, Reason: fmt.Sprintf("commit %s already deployed", shortSHA(event.CommitSHA))}, nil
		}
		return Decision{Reason: "commit differs from latest deployed"}, nil

	case domain.CacheLoose:
		watched := WatchedFiles(event.ChangedFiles, svc.BasePath, svc.WatchPaths, svc.IgnorePaths)
		if len(watched) == 0 {
			return Decision{Skip: true, Reason: "no watched files changed"}, nil
		}
		known := make(map[string]struct{}, len(latest.ChangedFiles))
		for _, file := range latest.ChangedFiles {
			known[file] = struct{}{}
		}
		for _, file := range watched {
			if _, ok := known[file]; !ok {
				return Decision{Reason: fmt.Sprintf("watched file %q changed since last deployment", file)}, nil
			}
		}
		return Decision{Skip: true, Reason: "all watched changes already covered by latest deployment"}, nil

	default:
		return Decision{Reason: fmt.Sprintf("unknown cache strategy %q, not skipping", svc.CacheStrategy)}, nil
	}
}

// RecordChange stores a new cache entry for the event and trims the branch to
// the retention cap. The returned entry id can later be linked to the
// deployment created from it.
func (s *Service) RecordChange(ctx context.Context, svc *domain.Service, event domain.TriggerEvent) (string, error) {
	branch := event.Branch
	if branch == "" {
		branch = svc.DefaultBranch
	}
	entry := &domain.CacheEntry{
		ID:           uuid.NewString(),
		ProjectID:    svc.ProjectID,
		RepositoryID: svc.RepositoryID,
		Branch:       branch,
		CommitSHA:    event.CommitSHA,
		ChangedFiles: WatchedFiles(event.ChangedFiles, svc.BasePath, svc.WatchPaths, svc.IgnorePaths),
		BasePath:     svc.BasePath,
		Strategy:     svc.CacheStrategy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.cache.PutEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("store cache entry: %w", err)
	}
	if err := s.cache.TrimBranch(ctx, svc.ProjectID, svc.RepositoryID, branch, s.maxEntries); err != nil {
		s.logger.Warn("cache trim failed", "project_id", svc.ProjectID, "branch", branch, "error", err)
	}
	return entry.ID, nil
}

// LinkDeployment attaches the created deployment to its cache entry.
// Best-effort: a failure is logged, never escalated.
func (s *Service) LinkDeployment(ctx context.Context, svc *domain.Service, branch, entryID, deploymentID string) {
	if entryID == "" {
		return
	}
	if branch == "" {
		branch = svc.DefaultBranch
	}
	if err := s.cache.LinkDeployment(ctx, svc.ProjectID, svc.RepositoryID, branch, entryID, deploymentID); err != nil {
		s.logger.Warn("cache entry link failed", "entry_id", entryID, "deployment_id", deploymentID, "error", err)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
