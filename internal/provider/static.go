package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/stackdock/stackdock/internal/domain"
)

// StaticProvider serves pre-extracted uploads as deployment source material.
// It has no skip logic: every upload is a new deployment.
type StaticProvider struct {
	logger *slog.Logger
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider returns a static-file source provider.
func NewStaticProvider(logger *slog.Logger) *StaticProvider {
	return &StaticProvider{logger: logger}
}

func (p *StaticProvider) ID() string          { return "static-upload" }
func (p *StaticProvider) Name() string        { return "Static upload" }
func (p *StaticProvider) Description() string { return "Deploys a previously uploaded directory" }

func (p *StaticProvider) SupportedBuilders() []string { return []string{"static"} }

// ValidateConfig requires an existing upload directory.
func (p *StaticProvider) ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.UploadPath) == "" {
		return fmt.Errorf("static provider: upload path required")
	}
	info, err := os.Stat(cfg.UploadPath)
	if err != nil {
		return fmt.Errorf("static provider: upload path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("static provider: upload path %q is not a directory", cfg.UploadPath)
	}
	return nil
}

// FetchSource hands back the staged upload directory. Cleanup removes the
// staging directory once the pipeline is done with it.
func (p *StaticProvider) FetchSource(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (*SourceResult, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	version, files, err := fingerprintDir(cfg.UploadPath)
	if err != nil {
		return nil, err
	}
	meta := SourceMetadata{
		Provider:  p.ID(),
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
	uploadPath := cfg.UploadPath
	cleanup := func() error { return os.RemoveAll(uploadPath) }
	p.logger.Info("upload staged as source", "provider", p.ID(), "path", uploadPath, "files", len(files), "version", version)
	return NewSourceResult(uuid.NewString(), uploadPath, meta, files, cleanup), nil
}

// ShouldSkipDeployment never skips for uploads.
func (p *StaticProvider) ShouldSkipDeployment(ctx context.Context, cfg Config, trigger domain.TriggerEvent) (SkipDecision, error) {
	return SkipDecision{}, nil
}

// DeploymentVersion is the upload content fingerprint.
func (p *StaticProvider) DeploymentVersion(source *SourceResult) string {
	if source == nil {
		return ""
	}
	return source.Metadata.Version
}

func (p *StaticProvider) RoutingTemplate() string {
	return "Host(`{{domain}}`) -> file:{{path}}"
}

// fingerprintDir derives a stable version from file paths and sizes.
func fingerprintDir(root string) (string, []string, error) {
	hash := sha256.New()
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(hash, "%s:%d\n", rel, info.Size())
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("fingerprint upload: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil))[:12], files, nil
}
