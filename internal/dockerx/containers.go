package dockerx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// ContainerSummary is the subset of container state the engine cares about.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// ContainerHealth captures per-container health observations.
type ContainerHealth struct {
	ID           string
	Name         string
	Running      bool
	RestartCount int
	StartedAt    time.Time
	Uptime       time.Duration
	HealthStatus string
	HealthLog    []string
	ExitCode     int
}

// RunSpec describes a container the engine wants running.
type RunSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Ports       nat.PortMap
	Labels      map[string]string
	MemoryBytes int64
	NanoCPUs    int64
}

// BuildOutputCallback is invoked with incremental image build messages.
type BuildOutputCallback func(string)

// BuildImage creates a Docker image from the provided directory using the
// default Dockerfile.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	ID          string `json:"id"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status != "" {
		if id := strings.TrimSpace(m.ID); id != "" {
			return id + " " + strings.TrimSpace(m.Status)
		}
		return strings.TrimSpace(m.Status)
	}
	return ""
}

// RunContainer creates and starts a container from the spec and returns its id.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: map[nat.Port]struct{}{},
	}
	for p := range spec.Ports {
		config.ExposedPorts[p] = struct{}{}
	}

	hostCfg := &container.HostConfig{
		PortBindings: spec.Ports,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// StopContainer stops a container; missing containers are not an error.
func (c *Client) StopContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerStop(ctx, nameOrID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RestartContainer restarts a container.
func (c *Client) RestartContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRestart(ctx, nameOrID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("restart container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string) error {
	if strings.TrimSpace(nameOrID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveImage deletes an image; missing images are not an error.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image ref cannot be empty")
	}
	if _, err := c.inner.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove image: %w", err)
	}
	return nil
}

// ListByLabel returns containers (running or not) carrying label=value.
func (c *Client) ListByLabel(ctx context.Context, label, value string) ([]ContainerSummary, error) {
	args := filters.NewArgs(filters.Arg("label", label+"="+value))
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	summaries := make([]ContainerSummary, 0, len(list))
	for _, item := range list {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:     item.ID,
			Name:   name,
			Image:  item.Image,
			State:  item.State,
			Labels: item.Labels,
		})
	}
	return summaries, nil
}

// ContainerExists reports whether the container is known to the daemon.
func (c *Client) ContainerExists(ctx context.Context, nameOrID string) (bool, error) {
	if _, err := c.inner.ContainerInspect(ctx, nameOrID); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("container inspect: %w", err)
	}
	return true, nil
}

// InspectHealth gathers running state, restart count, uptime and the runtime
// health-check log for a container.
func (c *Client) InspectHealth(ctx context.Context, nameOrID string) (ContainerHealth, error) {
	inspect, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerHealth{}, ErrNotFound
		}
		return ContainerHealth{}, fmt.Errorf("container inspect: %w", err)
	}

	health := ContainerHealth{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.State != nil {
		health.Running = inspect.State.Running
		health.RestartCount = inspect.RestartCount
		health.ExitCode = inspect.State.ExitCode
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			health.StartedAt = started
			if health.Running {
				health.Uptime = time.Since(started)
			}
		}
		if inspect.State.Health != nil {
			health.HealthStatus = inspect.State.Health.Status
			for _, entry := range inspect.State.Health.Log {
				health.HealthLog = append(health.HealthLog, strings.TrimSpace(entry.Output))
			}
		}
	}
	return health, nil
}

// Exec runs a command inside a container and returns combined output.
func (c *Client) Exec(ctx context.Context, nameOrID string, cmd []string) (string, error) {
	if len(cmd) == 0 {
		return "", fmt.Errorf("exec command cannot be empty")
	}
	created, err := c.inner.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}
	if stderr.Len() > 0 && stdout.Len() == 0 {
		return stderr.String(), nil
	}
	return stdout.String(), nil
}
