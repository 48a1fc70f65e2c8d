package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

const ruleColumns = `id, project_id, service_id, name, priority, enabled, trigger_event,
	branch_pattern, tag_pattern, exclude_patterns, pr_target_branches, pr_labels,
	path_include, path_exclude, path_require_all, predicate_name, require_approval,
	action, strategy, bypass_cache, created_at, updated_at`

// CreateRule inserts a trigger rule.
func (r *Repository) CreateRule(ctx context.Context, rule *domain.DeploymentRule) error {
	const query = `INSERT INTO deployment_rules
		(id, project_id, service_id, name, priority, enabled, trigger_event,
		 branch_pattern, tag_pattern, exclude_patterns, pr_target_branches, pr_labels,
		 path_include, path_exclude, path_require_all, predicate_name, require_approval,
		 action, strategy, bypass_cache, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`
	_, err := r.pool.Exec(ctx, query,
		rule.ID, rule.ProjectID, rule.ServiceID, rule.Name, rule.Priority, rule.Enabled, rule.Trigger,
		rule.BranchPattern, rule.TagPattern, rule.ExcludePatterns, rule.PRTargetBranches, rule.PRLabels,
		rule.Paths.Include, rule.Paths.Exclude, rule.Paths.RequireAll, rule.PredicateName, rule.RequireApproval,
		rule.Action, rule.Strategy, rule.BypassCache, rule.CreatedAt, rule.UpdatedAt)
	return err
}

// GetRuleByID fetches a rule.
func (r *Repository) GetRuleByID(ctx context.Context, ruleID string) (*domain.DeploymentRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM deployment_rules WHERE id = $1`
	return scanRule(r.pool.QueryRow(ctx, query, ruleID))
}

// UpdateRule rewrites a rule's mutable fields.
func (r *Repository) UpdateRule(ctx context.Context, rule *domain.DeploymentRule) error {
	const query = `UPDATE deployment_rules SET
			name = $2, priority = $3, enabled = $4, trigger_event = $5,
			branch_pattern = $6, tag_pattern = $7, exclude_patterns = $8,
			pr_target_branches = $9, pr_labels = $10,
			path_include = $11, path_exclude = $12, path_require_all = $13,
			predicate_name = $14, require_approval = $15,
			action = $16, strategy = $17, bypass_cache = $18, updated_at = $19
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		rule.ID, rule.Name, rule.Priority, rule.Enabled, rule.Trigger,
		rule.BranchPattern, rule.TagPattern, rule.ExcludePatterns,
		rule.PRTargetBranches, rule.PRLabels,
		rule.Paths.Include, rule.Paths.Exclude, rule.Paths.RequireAll,
		rule.PredicateName, rule.RequireApproval,
		rule.Action, rule.Strategy, rule.BypassCache, rule.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (r *Repository) DeleteRule(ctx context.Context, ruleID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployment_rules WHERE id = $1`, ruleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRulesByProject returns rules ordered by priority descending with name
// ascending as the deterministic tie-break.
func (r *Repository) ListRulesByProject(ctx context.Context, projectID string, activeOnly bool) ([]domain.DeploymentRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM deployment_rules WHERE project_id = $1`
	if activeOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY priority DESC, name ASC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.DeploymentRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (*domain.DeploymentRule, error) {
	var rule domain.DeploymentRule
	if err := row.Scan(
		&rule.ID, &rule.ProjectID, &rule.ServiceID, &rule.Name, &rule.Priority, &rule.Enabled, &rule.Trigger,
		&rule.BranchPattern, &rule.TagPattern, &rule.ExcludePatterns, &rule.PRTargetBranches, &rule.PRLabels,
		&rule.Paths.Include, &rule.Paths.Exclude, &rule.Paths.RequireAll, &rule.PredicateName, &rule.RequireApproval,
		&rule.Action, &rule.Strategy, &rule.BypassCache, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rule, nil
}
