package postgres

import (
	"context"
	"time"

	"github.com/stackdock/stackdock/internal/domain"
)

// AppendLog stores a deployment log entry.
func (r *Repository) AppendLog(ctx context.Context, entry domain.DeploymentLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO deployment_logs (id, deployment_id, level, message, phase, step, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		entry.ID, entry.DeploymentID, entry.Level, entry.Message, entry.Phase, entry.Step,
		nullableJSON(entry.Metadata), entry.CreatedAt)
	return err
}

// ListLogsByDeployment returns log entries oldest first.
func (r *Repository) ListLogsByDeployment(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentLog, error) {
	if limit <= 0 {
		limit = 200
	}
	const query = `SELECT id, deployment_id, level, message, phase, step, metadata, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.DeploymentLog, 0)
	for rows.Next() {
		var entry domain.DeploymentLog
		if err := rows.Scan(&entry.ID, &entry.DeploymentID, &entry.Level, &entry.Message,
			&entry.Phase, &entry.Step, &entry.Metadata, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteLogsByDeployment removes every log entry for a deployment.
func (r *Repository) DeleteLogsByDeployment(ctx context.Context, deploymentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deployment_logs WHERE deployment_id = $1`, deploymentID)
	return err
}
