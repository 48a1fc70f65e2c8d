// Package redischc stores change-detection cache entries in Redis. Entries
// for a branch live in a list with the newest entry at the head, which makes
// "latest entry authoritative" and "retain newest N" single commands.
package redischc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

const keyPrefix = "stackdock:chcache:"

// Store implements repository.CacheRepository on Redis.
type Store struct {
	client  *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

var _ repository.CacheRepository = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(addr, password string, db int, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, logger: logger, timeout: time.Second}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
}

func branchKey(projectID, repositoryID, branch string) string {
	return keyPrefix + projectID + ":" + repositoryID + ":" + branch
}

// PutEntry prepends the entry to its branch list.
func (s *Store) PutEntry(ctx context.Context, entry *domain.CacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := branchKey(entry.ProjectID, entry.RepositoryID, entry.Branch)
	if err := s.client.LPush(opCtx, key, payload).Err(); err != nil {
		return fmt.Errorf("push cache entry: %w", err)
	}
	return nil
}

// LatestEntry returns the newest entry for the branch, or ErrNotFound.
func (s *Store) LatestEntry(ctx context.Context, projectID, repositoryID, branch string) (*domain.CacheEntry, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.client.LIndex(opCtx, branchKey(projectID, repositoryID, branch), 0).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

// LinkDeployment attaches a deployment id to an existing entry in place.
func (s *Store) LinkDeployment(ctx context.Context, projectID, repositoryID, branch, entryID, deploymentID string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	key := branchKey(projectID, repositoryID, branch)
	items, err := s.client.LRange(opCtx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for i, raw := range items {
		var entry domain.CacheEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.logger.Warn("skipping undecodable cache entry", "key", key, "index", i, "error", err)
			continue
		}
		if entry.ID != entryID {
			continue
		}
		entry.DeploymentID = &deploymentID
		payload, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("encode cache entry: %w", err)
		}
		return s.client.LSet(opCtx, key, int64(i), payload).Err()
	}
	return repository.ErrNotFound
}

// TrimBranch retains only the newest keep entries for the branch.
func (s *Store) TrimBranch(ctx context.Context, projectID, repositoryID, branch string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.LTrim(opCtx, branchKey(projectID, repositoryID, branch), 0, int64(keep-1)).Err()
}
