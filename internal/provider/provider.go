// Package provider defines the pluggable source-fetcher contract and its
// reference implementations. Providers never write the datastore; they hand
// the lifecycle engine a SourceResult and report skip decisions.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stackdock/stackdock/internal/domain"
)

// Config is the provider-specific payload carried on a deployment's source
// config. Providers validate the fields they use and ignore the rest.
type Config struct {
	RepoURL    string `json:"repo_url,omitempty"`
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	PRNumber   int    `json:"pr_number,omitempty"`
	UploadPath string `json:"upload_path,omitempty"`
	BasePath   string `json:"base_path,omitempty"`
}

// SourceMetadata describes the fetched source material.
type SourceMetadata struct {
	Provider  string
	Version   string
	CommitSHA string
	Branch    string
	Author    string
	Message   string
	Timestamp time.Time
}

// SourceResult is the transient outcome of a fetch. Cleanup must be invoked
// exactly once by the orchestrator regardless of pipeline outcome; the
// sync.Once makes double invocation harmless.
type SourceResult struct {
	SourceID     string
	LocalPath    string
	Metadata     SourceMetadata
	ChangedFiles []string

	cleanup     func() error
	cleanupOnce sync.Once
}

// NewSourceResult wires the cleanup callback into the result.
func NewSourceResult(sourceID, localPath string, meta SourceMetadata, changedFiles []string, cleanup func() error) *SourceResult {
	return &SourceResult{
		SourceID:     sourceID,
		LocalPath:    localPath,
		Metadata:     meta,
		ChangedFiles: changedFiles,
		cleanup:      cleanup,
	}
}

// Cleanup releases the fetched source material. Safe to call more than once;
// only the first call runs the underlying callback.
func (r *SourceResult) Cleanup() error {
	var err error
	r.cleanupOnce.Do(func() {
		if r.cleanup != nil {
			err = r.cleanup()
		}
	})
	return err
}

// SkipDecision reports whether a fetch/deploy can be skipped and why.
type SkipDecision struct {
	Skip   bool
	Reason string
}

// Provider fetches source material for deployments.
type Provider interface {
	ID() string
	Name() string
	Description() string
	SupportedBuilders() []string

	ValidateConfig(cfg Config) error
	FetchSource(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (*SourceResult, error)
	ShouldSkipDeployment(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (SkipDecision, error)
	DeploymentVersion(source *SourceResult) string
	// RoutingTemplate returns the provider's route template string. The core
	// never renders it; an external renderer substitutes the tokens.
	RoutingTemplate() string
}

// Metadata summarizes a registered provider for listings.
type Metadata struct {
	ID                string
	Name              string
	Description       string
	SupportedBuilders []string
}

// Registry is an immutable name-keyed provider lookup built once at startup.
type Registry struct {
	providers map[string]Provider
}

// RegistryBuilder accumulates registrations; duplicates are an error rather
// than a silent overwrite.
type RegistryBuilder struct {
	providers map[string]Provider
	err       error
}

// NewRegistryBuilder starts an empty registry.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{providers: make(map[string]Provider)}
}

// Register adds a provider under its own id.
func (b *RegistryBuilder) Register(p Provider) *RegistryBuilder {
	if b.err != nil {
		return b
	}
	if p == nil || p.ID() == "" {
		b.err = fmt.Errorf("provider registration requires a non-empty id")
		return b
	}
	if _, exists := b.providers[p.ID()]; exists {
		b.err = fmt.Errorf("provider %q already registered", p.ID())
		return b
	}
	b.providers[p.ID()] = p
	return b
}

// Build finalizes the registry.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	providers := make(map[string]Provider, len(b.providers))
	for id, p := range b.providers {
		providers[id] = p
	}
	return &Registry{providers: providers}, nil
}

// Get returns the provider for the id, or nil on miss.
func (r *Registry) Get(id string) Provider {
	if r == nil {
		return nil
	}
	return r.providers[id]
}

// List returns metadata for all registered providers sorted by id.
func (r *Registry) List() []Metadata {
	if r == nil {
		return nil
	}
	out := make([]Metadata, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, Metadata{
			ID:                p.ID(),
			Name:              p.Name(),
			Description:       p.Description(),
			SupportedBuilders: p.SupportedBuilders(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
