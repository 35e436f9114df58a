package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// DockerEngine implements Engine against the Docker daemon.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine connects to the daemon using the standard environment
// (DOCKER_HOST et al) with API version negotiation.
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// NewDockerEngineWithClient wraps an existing client. Used by tests.
func NewDockerEngineWithClient(cli *client.Client) *DockerEngine {
	return &DockerEngine{cli: cli}
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return convertError(err, "engine ping failed")
	}
	return nil
}

func (d *DockerEngine) ResolveImage(ctx context.Context, ref string, pull bool) (ImageInfo, error) {
	ins, err := d.cli.ImageInspect(ctx, ref)
	if err == nil {
		return ImageInfo{Ref: ref, Digest: ins.ID}, nil
	}
	if !isNotFound(err) || !pull {
		return ImageInfo{}, convertImageError(err, ref)
	}

	rc, pullErr := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if pullErr != nil {
		return ImageInfo{}, convertImageError(pullErr, ref)
	}
	// The pull completes only once the progress stream is drained.
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()

	ins, err = d.cli.ImageInspect(ctx, ref)
	if err != nil {
		return ImageInfo{}, convertImageError(err, ref)
	}
	return ImageInfo{Ref: ref, Digest: ins.ID}, nil
}

func (d *DockerEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	ins, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return ins.ID, nil
	}
	if !isNotFound(err) {
		return "", convertError(err, fmt.Sprintf("network %s inspect failed", name))
	}

	resp, err := d.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return "", convertError(err, fmt.Sprintf("network %s create failed", name))
	}
	return resp.ID, nil
}

func (d *DockerEngine) CreateContainer(ctx context.Context, req CreateRequest) (string, error) {
	cfg := &container.Config{
		Image:      req.Image,
		Cmd:        req.Cmd,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		Labels:     req.Labels,
	}

	hostCfg := &container.HostConfig{
		Binds:          req.Binds,
		ReadonlyRootfs: req.ReadOnlyRootfs,
		NetworkMode:    container.NetworkMode(req.NetworkMode),
		CapDrop:        []string{"ALL"},
		CapAdd:         req.CapAdd,
		Tmpfs:          req.Tmpfs,
	}
	if req.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges")
	}
	if req.SeccompProfile != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+req.SeccompProfile)
	}
	if req.NanoCPUs > 0 {
		hostCfg.NanoCPUs = req.NanoCPUs
	}
	if req.MemoryBytes > 0 {
		hostCfg.Memory = req.MemoryBytes
	}
	if req.PidsLimit > 0 {
		p := req.PidsLimit
		hostCfg.Resources.PidsLimit = &p
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, req.Name)
	if err != nil {
		return "", convertError(err, fmt.Sprintf("container %s create failed", req.Name))
	}
	if resp.ID == "" {
		return "", convertError(fmt.Errorf("engine returned empty container id"), "container create failed")
	}
	return resp.ID, nil
}

func (d *DockerEngine) StartContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return convertError(err, fmt.Sprintf("container %s start failed", shortID(id)))
	}
	return nil
}

func (d *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout / time.Second)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return convertError(err, fmt.Sprintf("container %s stop failed", shortID(id)))
	}
	return nil
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return convertError(err, fmt.Sprintf("container %s remove failed", shortID(id)))
	}
	return nil
}

func (d *DockerEngine) ListContainers(ctx context.Context, labelKey string) ([]ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, convertError(err, "container list failed")
	}
	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			Image:  c.Image,
			State:  c.State,
			Labels: c.Labels,
		})
	}
	return out, nil
}

func (d *DockerEngine) InspectContainer(ctx context.Context, id string) (ContainerStatus, error) {
	ins, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerStatus{}, convertError(err, fmt.Sprintf("container %s inspect failed", shortID(id)))
	}
	st := ContainerStatus{}
	if ins.State != nil {
		st.Running = ins.State.Running
		st.OOMKilled = ins.State.OOMKilled
		st.ExitCode = ins.State.ExitCode
	}
	return st, nil
}

func (d *DockerEngine) CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Tty:          cfg.Tty,
		AttachStdin:  cfg.AttachStdin,
		AttachStdout: cfg.AttachStdout,
		AttachStderr: cfg.AttachStderr,
	})
	if err != nil {
		return "", convertError(err, fmt.Sprintf("exec create failed in container %s", shortID(containerID)))
	}
	return resp.ID, nil
}

func (d *DockerEngine) AttachExec(ctx context.Context, execID string, tty bool) (ExecStream, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecStartOptions{Tty: tty})
	if err != nil {
		return nil, convertError(err, "exec attach failed")
	}
	return &dockerStream{resp: resp}, nil
}

func (d *DockerEngine) InspectExec(ctx context.Context, execID string) (ExecStatus, error) {
	ins, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, convertError(err, "exec inspect failed")
	}
	return ExecStatus{Running: ins.Running, ExitCode: ins.ExitCode, Pid: ins.Pid}, nil
}

func (d *DockerEngine) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	err := d.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: height, Width: width})
	if err != nil {
		return convertError(err, "exec resize failed")
	}
	return nil
}

func (d *DockerEngine) Stats(ctx context.Context, containerID string) (StatsSample, error) {
	// A non-streaming stats call makes the daemon collect two internal
	// samples, so the precpu delta below is meaningful.
	resp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return StatsSample{}, convertError(err, fmt.Sprintf("container %s stats failed", shortID(containerID)))
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return StatsSample{}, convertError(err, "container stats decode failed")
	}

	sample := StatsSample{
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
		Pids:        raw.PidsStats.Current,
		SampledAt:   time.Now(),
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if cpus > 0 {
			sample.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
		}
	}
	return sample, nil
}

func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

// dockerStream adapts the hijacked attach connection to ExecStream.
type dockerStream struct {
	resp types.HijackedResponse
}

func (s *dockerStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *dockerStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *dockerStream) CloseWrite() error {
	return s.resp.CloseWrite()
}

func (s *dockerStream) Close() error {
	s.resp.Close()
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
