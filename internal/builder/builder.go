// Package builder defines the pluggable workload-producer contract. Builders
// drive their own phase progression through the injected callbacks and never
// touch the datastore; the lifecycle engine translates callbacks into writes.
package builder

import (
	"context"
	"fmt"
	"sort"

	"github.com/stackdock/stackdock/internal/domain"
)

// PhaseFunc receives phase advancement from a builder.
type PhaseFunc func(phase domain.Phase, progress int, metadata *domain.PhaseMetadata)

// LogFunc receives a builder log line.
type LogFunc func(level, message, step string)

// ResourceLimits bound a workload's resource usage. Zero values mean
// unlimited.
type ResourceLimits struct {
	MemoryMB   int64
	CPUPercent int
}

// BuildConfig is the normalized input every builder consumes.
type BuildConfig struct {
	DeploymentID string
	ServiceID    string
	ServiceName  string
	SourcePath   string
	EnvVars      map[string]string
	Limits       ResourceLimits

	// Builder-specific fields.
	Port      int
	OutputDir string

	OnPhaseUpdate PhaseFunc
	OnLog         LogFunc
}

// BuildStatus is the builder's verdict.
type BuildStatus string

const (
	BuildSuccess BuildStatus = "success"
	BuildFailed  BuildStatus = "failed"
)

// BuildResult reports the outcome of a deploy.
type BuildResult struct {
	Status        BuildStatus
	ContainerIDs  []string
	ContainerName string
	Image         string
	Message       string
	StaticDir     string
}

// Builder turns fetched source into a running workload.
type Builder interface {
	ID() string
	Name() string
	Description() string
	Deploy(ctx context.Context, cfg BuildConfig) (BuildResult, error)
	// RoutingTemplate returns the builder's route template string for the
	// external renderer.
	RoutingTemplate() string
}

// Metadata summarizes a registered builder for listings.
type Metadata struct {
	ID          string
	Name        string
	Description string
}

// Registry is an immutable name-keyed builder lookup built once at startup.
type Registry struct {
	builders map[string]Builder
}

// RegistryBuilder accumulates registrations; duplicate ids are an error.
type RegistryBuilder struct {
	builders map[string]Builder
	err      error
}

// NewRegistryBuilder starts an empty registry.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{builders: make(map[string]Builder)}
}

// Register adds a builder under its own id.
func (b *RegistryBuilder) Register(impl Builder) *RegistryBuilder {
	if b.err != nil {
		return b
	}
	if impl == nil || impl.ID() == "" {
		b.err = fmt.Errorf("builder registration requires a non-empty id")
		return b
	}
	if _, exists := b.builders[impl.ID()]; exists {
		b.err = fmt.Errorf("builder %q already registered", impl.ID())
		return b
	}
	b.builders[impl.ID()] = impl
	return b
}

// Build finalizes the registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	builders := make(map[string]Builder, len(b.builders))
	for id, impl := range b.builders {
		builders[id] = impl
	}
	return &Registry{builders: builders}, nil
}

// Get returns the builder for the id, or nil on miss.
func (r *Registry) Get(id string) Builder {
	if r == nil {
		return nil
	}
	return r.builders[id]
}

// List returns metadata for all registered builders sorted by id.
func (r *Registry) List() []Metadata {
	if r == nil {
		return nil
	}
	out := make([]Metadata, 0, len(r.builders))
	for _, impl := range r.builders {
		out = append(out, Metadata{ID: impl.ID(), Name: impl.Name(), Description: impl.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
