package domain

import "time"

// CacheEntry memoizes one deployed change per (project, repository, branch).
// The newest entry for a branch is authoritative. DeploymentID stays nil
// until a deployment is actually created from the entry.
type CacheEntry struct {
	ID           string
	ProjectID    string
	RepositoryID string
	Branch       string
	CommitSHA    string
	ChangedFiles []string
	BasePath     string
	Strategy     CacheStrategy
	DeploymentID *string
	CreatedAt    time.Time
}
