package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"convoy/pkg/engine"
)

// LabelManagedBy marks every image, container, and network convoy creates.
const LabelManagedBy = "convoy.managed-by"

// DockerEngine implements the engine.Engine seam using the Docker client.
type DockerEngine struct {
	client *client.Client
}

// NewDockerEngine creates a DockerEngine, trying the environment settings
// first and falling back through common socket locations, then verifies
// the daemon is reachable.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

func connect() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		if pingOK(cli) {
			return cli, nil
		}
		cli.Close()
	}

	for _, socketPath := range dockerSocketPaths() {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}
		if pingOK(cli) {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("no reachable Docker socket")
}

// dockerSocketPaths lists socket locations to probe when DOCKER_HOST is
// not usable, covering Docker Desktop on macOS and Colima.
func dockerSocketPaths() []string {
	return []string{
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}
}

func pingOK(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

// EnsureNetwork creates the named bridge network if it does not exist and
// returns its ID.
func (d *DockerEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	list, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	if len(list) > 0 {
		return list[0].ID, nil
	}

	slog.Info("Creating network", "network", name)
	created, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: "convoy"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return created.ID, nil
}

// RemoveNetwork deletes the named network, ignoring the case where it is
// already gone.
func (d *DockerEngine) RemoveNetwork(ctx context.Context, name string) error {
	list, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range list {
		if err := d.client.NetworkRemove(ctx, n.ID); err != nil {
			return fmt.Errorf("failed to remove network %s: %w", name, err)
		}
	}
	return nil
}

// BuildImage tars the build context and builds it, returning the tag as
// the image reference.
func (d *DockerEngine) BuildImage(ctx context.Context, req engine.BuildRequest) (string, error) {
	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to tar build context %s: %w", req.ContextDir, err)
	}
	defer buildCtx.Close()

	dockerfile := req.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	labels := map[string]string{LabelManagedBy: "convoy"}
	for k, v := range req.Labels {
		labels[k] = v
	}

	slog.Info("Building image", "tag", req.Tag, "context", req.ContextDir)
	res, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Dockerfile: dockerfile,
		Tags:       []string{req.Tag},
		Remove:     true,
		Labels:     labels,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build image %s: %w", req.Tag, err)
	}
	defer res.Body.Close()

	// The daemon streams build progress as JSON messages on a 200 response
	// and reports a failed Dockerfile step as an error message inside that
	// stream, not as an HTTP error.
	if err := jsonmessage.DisplayJSONMessagesStream(res.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("build of image %s failed: %w", req.Tag, err)
	}

	return req.Tag, nil
}

// CreateContainer creates (pulling the image first if it is absent) and
// returns the new container's ID.
func (d *DockerEngine) CreateContainer(ctx context.Context, req engine.CreateRequest) (string, error) {
	if err := d.ensureImage(ctx, req.Image); err != nil {
		return "", err
	}

	exposedPorts, portBindings, err := portMaps(req.Ports)
	if err != nil {
		return "", err
	}

	labels := map[string]string{LabelManagedBy: "convoy"}
	for k, v := range req.Labels {
		labels[k] = v
	}

	var env []string
	for key, value := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	containerConfig := &container.Config{
		Image:        req.Image,
		Cmd:          req.Command,
		Env:          env,
		WorkingDir:   req.Workdir,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		Mounts:       mounts(req.Mounts),
		PortBindings: portBindings,
		Privileged:   req.Privileged,
		CapDrop:      req.CapDrop,
		Resources: container.Resources{
			Memory:   req.MemoryBytes,
			NanoCPUs: req.NanoCPUs,
		},
	}

	var networkConfig *network.NetworkingConfig
	if req.Network != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{req.Network: {}},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", req.Name, err)
	}
	return resp.ID, nil
}

// ensureImage pulls the image when it is not present locally.
func (d *DockerEngine) ensureImage(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("empty image reference")
	}
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	slog.Info("Pulling image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to stream image pull output: %w", err)
	}
	return nil
}

func (d *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (d *DockerEngine) StopContainer(ctx context.Context, containerID string, gracePeriod time.Duration) error {
	timeout := int(gracePeriod.Seconds())
	if err := d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// ExecProbe runs a command inside the container and returns its exit code.
func (d *DockerEngine) ExecProbe(ctx context.Context, containerID string, command []string) (int, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	// Drain output so the exec actually runs to completion.
	if _, err := stdcopy.StdCopy(io.Discard, io.Discard, attachResp.Reader); err != nil {
		return 0, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspectResp, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return inspectResp.ExitCode, nil
}

// StreamLogs follows the container's output, demultiplexing the Docker
// stream into plain text.
func (d *DockerEngine) StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	raw, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, raw)
		raw.Close()
		pw.CloseWithError(copyErr)
	}()

	return &logReader{inner: pr, raw: raw}, nil
}

type logReader struct {
	inner io.ReadCloser
	raw   io.Closer
}

func (r *logReader) Read(p []byte) (int, error) { return r.inner.Read(p) }

func (r *logReader) Close() error {
	r.raw.Close()
	return r.inner.Close()
}

// portMaps converts port specs into the exposed-ports set and host
// bindings the Docker API expects.
func portMaps(ports []engine.PortSpec) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	specs := make([]string, 0, len(ports))
	for _, p := range ports {
		specs = append(specs, strconv.Itoa(p.HostPort)+":"+strconv.Itoa(p.ContainerPort))
	}
	exposed, bindings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid port mapping: %w", err)
	}
	return exposed, bindings, nil
}

func mounts(specs []engine.MountSpec) []mount.Mount {
	var out []mount.Mount
	for _, m := range specs {
		entry := mount.Mount{
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
		switch m.Kind {
		case engine.MountBind:
			entry.Type = mount.TypeBind
			entry.Source = m.Source
		case engine.MountVolume:
			entry.Type = mount.TypeVolume
			entry.Source = m.Source
		case engine.MountAnonymous:
			// No source: the engine generates an anonymous volume.
			entry.Type = mount.TypeVolume
		}
		out = append(out, entry)
	}
	return out
}
