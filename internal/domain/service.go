package domain

import "time"

// ServiceType selects the builder family a service deploys with.
type ServiceType string

const (
	ServiceContainer ServiceType = "container"
	ServiceStatic    ServiceType = "static"
)

// CacheStrategy controls change-detection skip behavior.
type CacheStrategy string

const (
	// CacheStrict skips only when the exact commit was already deployed.
	CacheStrict CacheStrategy = "strict"
	// CacheLoose skips when no watched file changed since the last entry.
	CacheLoose CacheStrategy = "loose"
)

// RetentionPolicy caps how many successful deployments a service keeps.
type RetentionPolicy struct {
	MaxSuccessful int
	KeepArtifacts bool
	AutoCleanup   bool
}

// DefaultRetentionPolicy keeps the five newest successful deployments and
// their artifacts.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{MaxSuccessful: 5, KeepArtifacts: true, AutoCleanup: true}
}

// Service describes a deployable unit owned by a project.
type Service struct {
	ID        string
	ProjectID string
	Name      string
	Type      ServiceType

	ProviderID string
	BuilderID  string

	RepositoryID  string
	RepoURL       string
	DefaultBranch string

	Environment    Environment
	HealthCheckURL string
	EnvVars        map[string]string

	// Monorepo narrowing: paths are evaluated relative to BasePath, ignore
	// patterns take precedence over watch patterns, and an empty watch list
	// means watch everything not ignored.
	BasePath    string
	WatchPaths  []string
	IgnorePaths []string

	CacheStrategy CacheStrategy
	Retention     RetentionPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}
