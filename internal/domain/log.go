package domain

import (
	"encoding/json"
	"time"
)

// DeploymentLog is an append-only progress record attached to a deployment.
// Entries are never mutated; they are deleted only as a batch together with
// their deployment.
type DeploymentLog struct {
	ID           string
	DeploymentID string
	Level        string
	Message      string
	Phase        Phase
	Step         string
	Metadata     json.RawMessage
	CreatedAt    time.Time
}

// Log levels used by deployment log entries.
const (
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)
