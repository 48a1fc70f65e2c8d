package domain

import (
	"encoding/json"
	"time"
)

// Status is the coarse lifecycle state of a deployment.
type Status string

// Deployment statuses. Terminal states are success, failed and cancelled.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusBuilding  Status = "building"
	StatusDeploying Status = "deploying"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change through the
// normal pipeline.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Phase is the fine-grained sub-step within building/deploying, used for
// progress reporting and crash resumption.
type Phase string

// Canonical phase ordering. Failed is reachable from any phase.
const (
	PhasePullingSource    Phase = "pulling_source"
	PhaseBuilding         Phase = "building"
	PhaseCopyingFiles     Phase = "copying_files"
	PhaseCreatingSymlinks Phase = "creating_symlinks"
	PhaseUpdatingRoutes   Phase = "updating_routes"
	PhaseHealthCheck      Phase = "health_check"
	PhaseActive           Phase = "active"
	PhaseFailed           Phase = "failed"
)

// Environment classifies where a deployment runs.
type Environment string

const (
	EnvProduction  Environment = "production"
	EnvStaging     Environment = "staging"
	EnvPreview     Environment = "preview"
	EnvDevelopment Environment = "development"
)

// Deployment captures a single deployment attempt. Status and phase are only
// ever written by the lifecycle engine; the version column guards concurrent
// read-then-write updates.
type Deployment struct {
	ID            string
	ServiceID     string
	Status        Status
	Phase         Phase
	PhaseProgress int
	PhaseMetadata json.RawMessage
	PhaseUpdated  time.Time
	Environment   Environment
	SourceType    string
	SourceConfig  json.RawMessage
	ContainerName  *string
	ContainerImage *string
	ErrorMessage   string
	TriggerBranch  string
	TriggerPR      int
	Version        int64

	BuildStartedAt    *time.Time
	DeployStartedAt   *time.Time
	DeployCompletedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StatusUpdate captures a conditional status transition for a deployment.
// Version is the version the caller read; the repository rejects the write
// with ErrStaleDeployment when the row has moved on.
type StatusUpdate struct {
	DeploymentID string
	Status       Status
	ErrorMessage string
	Version      int64
	At           time.Time
}

// PhaseUpdate advances the deployment phase together with its progress and
// typed metadata.
type PhaseUpdate struct {
	DeploymentID string
	Phase        Phase
	Progress     int
	Metadata     *PhaseMetadata
	At           time.Time
}

// PhaseMetadata is a tagged union over per-phase details. Exactly one field
// is expected to be set for a given update; the whole value is serialized as
// the audit side-channel on the deployment row and its log entries.
type PhaseMetadata struct {
	Source *SourcePhaseMetadata `json:"source,omitempty"`
	Build  *BuildPhaseMetadata  `json:"build,omitempty"`
	Copy   *CopyPhaseMetadata   `json:"copy,omitempty"`
	Routes *RoutePhaseMetadata  `json:"routes,omitempty"`
	Health *HealthPhaseMetadata `json:"health,omitempty"`
}

// SourcePhaseMetadata describes source-fetch progress.
type SourcePhaseMetadata struct {
	Provider  string `json:"provider,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Branch    string `json:"branch,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// BuildPhaseMetadata describes image or artifact production.
type BuildPhaseMetadata struct {
	Builder string `json:"builder,omitempty"`
	Image   string `json:"image,omitempty"`
	Step    string `json:"step,omitempty"`
}

// CopyPhaseMetadata describes file placement for static deployments.
type CopyPhaseMetadata struct {
	SourceDir string `json:"source_dir,omitempty"`
	TargetDir string `json:"target_dir,omitempty"`
	Files     int    `json:"files,omitempty"`
}

// RoutePhaseMetadata describes routing updates.
type RoutePhaseMetadata struct {
	Domain   string `json:"domain,omitempty"`
	Template string `json:"template,omitempty"`
}

// HealthPhaseMetadata describes health verification.
type HealthPhaseMetadata struct {
	ProbeURL   string `json:"probe_url,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Healthy    bool   `json:"healthy"`
}
