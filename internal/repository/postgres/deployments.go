package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

const deploymentColumns = `id, service_id, status, phase, phase_progress, phase_metadata, phase_updated_at,
	environment, source_type, source_config, container_name, container_image, error_message,
	trigger_branch, trigger_pr, version, build_started_at, deploy_started_at, deploy_completed_at,
	created_at, updated_at`

// CreateDeployment inserts a deployment row in its initial state.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, service_id, status, phase, phase_progress, phase_metadata, phase_updated_at,
		 environment, source_type, source_config, container_name, container_image, error_message,
		 trigger_branch, trigger_pr, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err := r.pool.Exec(ctx, query,
		d.ID, d.ServiceID, d.Status, d.Phase, d.PhaseProgress, nullableJSON(d.PhaseMetadata), d.PhaseUpdated,
		d.Environment, d.SourceType, nullableJSON(d.SourceConfig), d.ContainerName, d.ContainerImage, d.ErrorMessage,
		d.TriggerBranch, d.TriggerPR, d.Version, d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDeploymentByID fetches one deployment.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	return scanDeployment(row)
}

// UpdateDeploymentStatus conditionally transitions status, stamping the
// status-specific timestamp and bumping the row version. A version mismatch
// returns ErrStaleDeployment so concurrent reconciliation passes cannot race.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.StatusUpdate) error {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const query = `UPDATE deployments SET
			status = $3,
			error_message = $4,
			version = version + 1,
			updated_at = $5,
			build_started_at = CASE WHEN $3 = 'building' THEN COALESCE(build_started_at, $5) ELSE build_started_at END,
			deploy_started_at = CASE WHEN $3 = 'deploying' THEN COALESCE(deploy_started_at, $5) ELSE deploy_started_at END,
			deploy_completed_at = CASE WHEN $3 IN ('success', 'failed', 'cancelled') THEN COALESCE(deploy_completed_at, $5) ELSE deploy_completed_at END
		WHERE id = $1 AND version = $2`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Version, update.Status, update.ErrorMessage, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, update.DeploymentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return repository.ErrNotFound
		}
		return repository.ErrStaleDeployment
	}
	return nil
}

// UpdateDeploymentPhase records phase advancement. Phase writes are not
// version-guarded: a deployment id has at most one in-flight pipeline.
func (r *Repository) UpdateDeploymentPhase(ctx context.Context, update domain.PhaseUpdate) error {
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var metadata []byte
	if update.Metadata != nil {
		encoded, err := json.Marshal(update.Metadata)
		if err != nil {
			return fmt.Errorf("encode phase metadata: %w", err)
		}
		metadata = encoded
	}
	const query = `UPDATE deployments SET
			phase = $2, phase_progress = $3, phase_metadata = COALESCE($4, phase_metadata),
			phase_updated_at = $5, updated_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Phase, update.Progress, nullableJSON(metadata), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDeploymentContainer records the container identity produced by a builder.
func (r *Repository) SetDeploymentContainer(ctx context.Context, deploymentID, containerName, containerImage string) error {
	const query = `UPDATE deployments SET container_name = $2, container_image = $3, updated_at = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, containerName, containerImage, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByService returns the newest deployments for a service.
func (r *Repository) ListDeploymentsByService(ctx context.Context, serviceID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE service_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsByServiceAndStatus returns a service's deployments in a
// given status, newest first.
func (r *Repository) ListDeploymentsByServiceAndStatus(ctx context.Context, serviceID string, status domain.Status) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE service_id = $1 AND status = $2 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, serviceID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsUpdatedBefore finds deployments sitting in one of the given
// statuses whose last update is older than the cutoff. The reconciler uses
// this to detect deployments orphaned by a crash.
func (r *Repository) ListDeploymentsUpdatedBefore(ctx context.Context, statuses []domain.Status, updatedBefore time.Time) ([]domain.Deployment, error) {
	raw := make([]string, 0, len(statuses))
	for _, s := range statuses {
		raw = append(raw, string(s))
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.pool.Query(ctx, query, raw, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// DeleteDeployment removes a deployment row and, via cascade, its logs.
func (r *Repository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(
		&d.ID, &d.ServiceID, &d.Status, &d.Phase, &d.PhaseProgress, &d.PhaseMetadata, &d.PhaseUpdated,
		&d.Environment, &d.SourceType, &d.SourceConfig, &d.ContainerName, &d.ContainerImage, &d.ErrorMessage,
		&d.TriggerBranch, &d.TriggerPR, &d.Version, &d.BuildStartedAt, &d.DeployStartedAt, &d.DeployCompletedAt,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

// nullableJSON maps empty payloads onto SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
