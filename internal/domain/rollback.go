package domain

import "time"

// RollbackStatus tracks the progress of a rollback operation.
type RollbackStatus string

const (
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
)

// DeploymentRollback records one rollback attempt between two deployments of
// the same service. At most one in_progress rollback may reference a given
// FromDeploymentID at a time.
type DeploymentRollback struct {
	ID               string
	FromDeploymentID string
	ToDeploymentID   string
	TriggeredBy      string
	Reason           string
	Status           RollbackStatus
	ErrorMessage     string
	StartedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
}
