package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stackdock/stackdock/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ServiceRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.RollbackRepository   = (*Repository)(nil)
	_ repository.RuleRepository       = (*Repository)(nil)
)
