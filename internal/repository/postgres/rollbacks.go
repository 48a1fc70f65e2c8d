package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

const rollbackColumns = `id, from_deployment_id, to_deployment_id, triggered_by, reason, status,
	error_message, started_at, completed_at, failed_at`

// CreateRollback inserts a rollback record.
func (r *Repository) CreateRollback(ctx context.Context, rb *domain.DeploymentRollback) error {
	const query = `INSERT INTO deployment_rollbacks
		(id, from_deployment_id, to_deployment_id, triggered_by, reason, status, error_message, started_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		rb.ID, rb.FromDeploymentID, rb.ToDeploymentID, rb.TriggeredBy, rb.Reason, rb.Status,
		rb.ErrorMessage, rb.StartedAt, rb.CompletedAt, rb.FailedAt)
	return err
}

// GetRollbackByID fetches a rollback record.
func (r *Repository) GetRollbackByID(ctx context.Context, rollbackID string) (*domain.DeploymentRollback, error) {
	query := `SELECT ` + rollbackColumns + ` FROM deployment_rollbacks WHERE id = $1`
	return scanRollback(r.pool.QueryRow(ctx, query, rollbackID))
}

// GetActiveRollbackByFrom returns the in_progress rollback referencing the
// given source deployment, or ErrNotFound.
func (r *Repository) GetActiveRollbackByFrom(ctx context.Context, fromDeploymentID string) (*domain.DeploymentRollback, error) {
	query := `SELECT ` + rollbackColumns + ` FROM deployment_rollbacks
		WHERE from_deployment_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`
	return scanRollback(r.pool.QueryRow(ctx, query, fromDeploymentID, domain.RollbackInProgress))
}

// UpdateRollback persists a rollback state transition.
func (r *Repository) UpdateRollback(ctx context.Context, rb *domain.DeploymentRollback) error {
	const query = `UPDATE deployment_rollbacks SET
			status = $2, error_message = $3, completed_at = $4, failed_at = $5
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, rb.ID, rb.Status, rb.ErrorMessage, rb.CompletedAt, rb.FailedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRollbacksByDeployment returns rollbacks touching the deployment in
// either direction, newest first.
func (r *Repository) ListRollbacksByDeployment(ctx context.Context, deploymentID string) ([]domain.DeploymentRollback, error) {
	query := `SELECT ` + rollbackColumns + ` FROM deployment_rollbacks
		WHERE from_deployment_id = $1 OR to_deployment_id = $1 ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rollbacks := make([]domain.DeploymentRollback, 0)
	for rows.Next() {
		rb, err := scanRollback(rows)
		if err != nil {
			return nil, err
		}
		rollbacks = append(rollbacks, *rb)
	}
	return rollbacks, rows.Err()
}

func scanRollback(row pgx.Row) (*domain.DeploymentRollback, error) {
	var rb domain.DeploymentRollback
	if err := row.Scan(&rb.ID, &rb.FromDeploymentID, &rb.ToDeploymentID, &rb.TriggeredBy, &rb.Reason,
		&rb.Status, &rb.ErrorMessage, &rb.StartedAt, &rb.CompletedAt, &rb.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rb, nil
}
