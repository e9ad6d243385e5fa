package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// Client implements Runtime against the Docker API.
type Client struct {
	cli *client.Client
}

// NewClient creates a new Docker-backed runtime.
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// BuildImage tars the checkout directory and streams the daemon build.
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions) (BuildResult, error) {
	buildCtx, err := tarDirectory(opts.ContextDir)
	if err != nil {
		return BuildResult{}, fmt.Errorf("could not prepare build context: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, buildCtx, client.ImageBuildOptions{
		Tags:       []string{opts.Tag},
		Dockerfile: opts.RecipePath,
		Remove:     true,
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("could not build image '%s': %w", opts.Tag, err)
	}
	defer resp.Body.Close()

	sink := io.Discard
	if opts.Output != nil {
		sink = opts.Output
	}
	if err := drainBuildStream(resp.Body, sink); err != nil {
		return BuildResult{}, fmt.Errorf("image build failed: %w", err)
	}

	inspect, err := c.cli.ImageInspect(ctx, opts.Tag)
	if err != nil {
		return BuildResult{}, fmt.Errorf("could not inspect built image '%s': %w", opts.Tag, err)
	}
	return BuildResult{ImageRef: opts.Tag, SizeBytes: inspect.Size}, nil
}

// RunContainer creates and starts a container from an image.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	containerConfig := &container.Config{
		Image: opts.Image,
		Env:   flattenEnv(opts.Env),
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   opts.Spec.Limits.MemoryBytes,
			NanoCPUs: opts.Spec.Limits.NanoCPUs,
		},
	}
	if opts.Spec.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(opts.Spec.Network)
	}

	for _, v := range opts.Spec.Volumes {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	if len(opts.Spec.Ports) > 0 {
		exposedPorts := make(network.PortSet)
		portBindings := make(network.PortMap)
		for _, p := range opts.Spec.Ports {
			containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", p.ContainerPort))
			if err != nil {
				return "", fmt.Errorf("invalid container port %d: %w", p.ContainerPort, err)
			}
			exposedPorts[containerPort] = struct{}{}

			hostIP := netip.Addr{}
			if p.HostIP != "" {
				hostIP, err = netip.ParseAddr(p.HostIP)
				if err != nil {
					return "", fmt.Errorf("invalid host IP '%s': %w", p.HostIP, err)
				}
			}
			portBindings[containerPort] = []network.PortBinding{
				{HostIP: hostIP, HostPort: strconv.Itoa(p.HostPort)},
			}
		}
		containerConfig.ExposedPorts = exposedPorts
		hostConfig.PortBindings = portBindings
	}

	resp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerConfig,
		HostConfig: hostConfig,
		Name:       opts.Name,
	})
	if err != nil {
		return "", fmt.Errorf("could not create container: %w", err)
	}

	if _, err := c.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("could not start container: %w", err)
	}
	return resp.ID, nil
}

// StopContainer stops a container gracefully within timeout.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	_, err := c.cli.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &seconds})
	if err != nil {
		return fmt.Errorf("could not stop container '%s': %w", id, err)
	}
	return nil
}

// RemoveContainer removes a container; absence is not an error.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: force, RemoveVolumes: false})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("could not remove container '%s': %w", id, err)
	}
	return nil
}

// InspectContainer maps the daemon's inspect output onto ContainerInfo.
func (c *Client) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := c.cli.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ContainerInfo{}, ErrNotFound
		}
		return ContainerInfo{}, fmt.Errorf("could not inspect container '%s': %w", id, err)
	}
	return containerInfoFromInspect(resp.Container), nil
}

func containerInfoFromInspect(c container.InspectResponse) ContainerInfo {
	var info ContainerInfo
	info.ID = c.ID
	info.Name = strings.TrimPrefix(c.Name, "/")
	if c.State != nil {
		info.Running = c.State.Running
		info.ExitCode = c.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, c.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if c.Config != nil {
		info.Image = c.Config.Image
		info.Env = parseEnv(c.Config.Env)
	}
	return info
}

// StreamLogs returns up to tail recent log lines.
func (c *Client) StreamLogs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("could not read logs of container '%s': %w", id, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("could not drain logs of container '%s': %w", id, err)
	}
	return string(data), nil
}

// Stats samples resource usage once and derives a CPU percentage the same
// way the docker CLI does.
func (c *Client) Stats(ctx context.Context, id string) (ContainerStats, error) {
	resp, err := c.cli.ContainerStats(ctx, id, client.ContainerStatsOptions{Stream: false})
	if err != nil {
		return ContainerStats{}, fmt.Errorf("could not read stats of container '%s': %w", id, err)
	}
	defer resp.Body.Close()

	var s struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
			OnlineCPUs  uint32 `json:"online_cpus"`
		} `json:"cpu_stats"`
		PreCPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
		} `json:"precpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return ContainerStats{}, fmt.Errorf("could not decode stats of container '%s': %w", id, err)
	}

	stats := ContainerStats{MemoryBytes: int64(s.MemoryStats.Usage)}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		stats.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}
	return stats, nil
}

// drainBuildStream copies the daemon's JSON build messages into sink and
// surfaces an embedded build error.
func drainBuildStream(r io.Reader, sink io.Writer) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("%s", msg.Error)
		}
		if msg.Stream != "" {
			io.WriteString(sink, msg.Stream)
		}
	}
}

// tarDirectory packs dir into an in-memory tar archive for the build API.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if fi.IsDir() && fi.Name() == ".git" {
			return filepath.SkipDir
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
