package builder

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/docker/go-connections/nat"

	"github.com/stackdock/stackdock/internal/dockerx"
	"github.com/stackdock/stackdock/internal/domain"
)

const defaultAppPort = 3000

// ContainerRuntime is the subset of the docker driver the container builder
// needs.
type ContainerRuntime interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput dockerx.BuildOutputCallback) error
	RunContainer(ctx context.Context, spec dockerx.RunSpec) (string, error)
	RemoveContainer(ctx context.Context, nameOrID string) error
}

// ContainerBuilder builds a Docker image from the source directory and runs
// it as a labelled container.
type ContainerBuilder struct {
	runtime ContainerRuntime
	logger  *slog.Logger
}

var _ Builder = (*ContainerBuilder)(nil)

// NewContainerBuilder returns the container workload builder.
func NewContainerBuilder(runtime ContainerRuntime, logger *slog.Logger) *ContainerBuilder {
	return &ContainerBuilder{runtime: runtime, logger: logger}
}

func (b *ContainerBuilder) ID() string   { return "container" }
func (b *ContainerBuilder) Name() string { return "Container" }
func (b *ContainerBuilder) Description() string {
	return "Builds a Docker image from the source and runs it"
}

func (b *ContainerBuilder) RoutingTemplate() string {
	return "Host(`{{domain}}`) -> {{container_name}}:{{container_port}}"
}

// Deploy builds the image, replaces any previous container of the same name
// and starts the new one. Phase progression is reported via callbacks.
func (b *ContainerBuilder) Deploy(ctx context.Context, cfg BuildConfig) (BuildResult, error) {
	if strings.TrimSpace(cfg.SourcePath) == "" {
		return failed("source path required"), fmt.Errorf("container builder: source path required")
	}
	image := imageTag(cfg)
	containerName := fmt.Sprintf("sd-%s-%s", sanitizeName(cfg.ServiceName), shortID(cfg.DeploymentID))

	cfg.phase(domain.PhaseBuilding, 10, &domain.PhaseMetadata{
		Build: &domain.BuildPhaseMetadata{Builder: b.ID(), Image: image, Step: "image_build"},
	})
	cfg.log(domain.LogLevelInfo, "building image "+image, "image_build")

	if err := b.runtime.BuildImage(ctx, cfg.SourcePath, image, nil, func(line string) {
		cfg.log(domain.LogLevelInfo, line, "image_build")
	}); err != nil {
		cfg.log(domain.LogLevelError, err.Error(), "image_build")
		return failed("image build failed"), err
	}

	cfg.phase(domain.PhaseBuilding, 60, &domain.PhaseMetadata{
		Build: &domain.BuildPhaseMetadata{Builder: b.ID(), Image: image, Step: "container_start"},
	})

	// Replace a leftover container of the same name from an earlier attempt.
	if err := b.runtime.RemoveContainer(ctx, containerName); err != nil {
		cfg.log(domain.LogLevelWarn, "could not remove previous container: "+err.Error(), "container_start")
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultAppPort
	}
	appPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", port))
	if err != nil {
		return failed("invalid port"), fmt.Errorf("container builder: port %d: %w", port, err)
	}

	env := make([]string, 0, len(cfg.EnvVars))
	for k, v := range cfg.EnvVars {
		env = append(env, k+"="+v)
	}

	spec := dockerx.RunSpec{
		Name:  containerName,
		Image: image,
		Env:   env,
		Ports: nat.PortMap{appPort: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
		Labels: map[string]string{
			dockerx.DeploymentLabel: cfg.DeploymentID,
			dockerx.ServiceLabel:    cfg.ServiceID,
		},
		MemoryBytes: cfg.Limits.MemoryMB * 1024 * 1024,
		NanoCPUs:    int64(cfg.Limits.CPUPercent) * 1e7,
	}
	containerID, err := b.runtime.RunContainer(ctx, spec)
	if err != nil {
		cfg.log(domain.LogLevelError, err.Error(), "container_start")
		return failed("container start failed"), err
	}
	cfg.log(domain.LogLevelInfo, "container started "+containerID, "container_start")

	cfg.phase(domain.PhaseUpdatingRoutes, 85, &domain.PhaseMetadata{
		Routes: &domain.RoutePhaseMetadata{Template: b.RoutingTemplate()},
	})
	cfg.log(domain.LogLevelInfo, "route variables published", "routes")

	b.logger.Info("container workload deployed", "deployment_id", cfg.DeploymentID, "container", containerName, "image", image)
	return BuildResult{
		Status:        BuildSuccess,
		ContainerIDs:  []string{containerID},
		ContainerName: containerName,
		Image:         image,
		Message:       "container running",
	}, nil
}

func imageTag(cfg BuildConfig) string {
	return fmt.Sprintf("stackdock/%s:%s", sanitizeName(cfg.ServiceName), shortID(cfg.DeploymentID))
}

func sanitizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == ' ', r == '_', r == '.':
			sb.WriteRune('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		return "service"
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func failed(message string) BuildResult {
	return BuildResult{Status: BuildFailed, Message: message}
}

func (cfg BuildConfig) phase(phase domain.Phase, progress int, metadata *domain.PhaseMetadata) {
	if cfg.OnPhaseUpdate != nil {
		cfg.OnPhaseUpdate(phase, progress, metadata)
	}
}

func (cfg BuildConfig) log(level, message, step string) {
	if cfg.OnLog != nil {
		cfg.OnLog(level, message, step)
	}
}
