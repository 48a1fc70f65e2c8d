package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

const serviceColumns = `id, project_id, name, type, provider_id, builder_id, repository_id, repo_url,
	default_branch, environment, health_check_url, env_vars, base_path, watch_paths, ignore_paths,
	cache_strategy, retention_max_successful, retention_keep_artifacts, retention_auto_cleanup,
	created_at, updated_at`

// CreateService inserts a service.
func (r *Repository) CreateService(ctx context.Context, s *domain.Service) error {
	envVars, err := json.Marshal(s.EnvVars)
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	const query = `INSERT INTO services
		(id, project_id, name, type, provider_id, builder_id, repository_id, repo_url,
		 default_branch, environment, health_check_url, env_vars, base_path, watch_paths, ignore_paths,
		 cache_strategy, retention_max_successful, retention_keep_artifacts, retention_auto_cleanup,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	_, err = r.pool.Exec(ctx, query,
		s.ID, s.ProjectID, s.Name, s.Type, s.ProviderID, s.BuilderID, s.RepositoryID, s.RepoURL,
		s.DefaultBranch, s.Environment, s.HealthCheckURL, envVars, s.BasePath, s.WatchPaths, s.IgnorePaths,
		s.CacheStrategy, s.Retention.MaxSuccessful, s.Retention.KeepArtifacts, s.Retention.AutoCleanup,
		s.CreatedAt, s.UpdatedAt)
	return err
}

// GetServiceByID fetches a service by identifier.
func (r *Repository) GetServiceByID(ctx context.Context, serviceID string) (*domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	return scanService(r.pool.QueryRow(ctx, query, serviceID))
}

// ListServices returns all services ordered by creation time.
func (r *Repository) ListServices(ctx context.Context) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	services := make([]domain.Service, 0)
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *s)
	}
	return services, rows.Err()
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var (
		s       domain.Service
		envVars []byte
	)
	if err := row.Scan(
		&s.ID, &s.ProjectID, &s.Name, &s.Type, &s.ProviderID, &s.BuilderID, &s.RepositoryID, &s.RepoURL,
		&s.DefaultBranch, &s.Environment, &s.HealthCheckURL, &envVars, &s.BasePath, &s.WatchPaths, &s.IgnorePaths,
		&s.CacheStrategy, &s.Retention.MaxSuccessful, &s.Retention.KeepArtifacts, &s.Retention.AutoCleanup,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &s.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	return &s, nil
}
