package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"
)

var (
	ErrExecTimeout = errors.New("exec timed out")
	ErrExecFailed  = errors.New("exec failed")
)

// RunOptions describes a runtime container to start.
type RunOptions struct {
	Image         string
	Name          string
	Hostname      string
	Command       []string
	Workdir       string
	Env           map[string]string
	Labels        map[string]string
	Binds         []string // "host:container"
	Network       string
	RestartPolicy string
	CPUs          float64
	MemoryMB      int
}

type Container struct {
	ID     string
	Name   string
	Labels map[string]string
}

type ContainerStat struct {
	Name     string
	CPUUsage float64 // fraction of one host, 0..1
}

type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Run creates and starts a container and returns its ID.
func (c *Client) Run(ctx context.Context, opts RunOptions) (string, error) {
	hostCfg := &container.HostConfig{
		Binds: opts.Binds,
		Resources: container.Resources{
			NanoCPUs: int64(opts.CPUs * 1e9),
			Memory:   int64(opts.MemoryMB) * units.MiB,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restartPolicy(opts.RestartPolicy))},
	}

	cfg := &container.Config{
		Image:      opts.Image,
		Hostname:   opts.Hostname,
		Cmd:        opts.Command,
		WorkingDir: opts.Workdir,
		Env:        envList(opts.Env),
		Labels:     opts.Labels,
	}

	var netCfg *network.NetworkingConfig
	if opts.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(opts.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {Aliases: []string{opts.Hostname}},
			},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// Remove deletes a container by name or ID. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, name string, force bool) error {
	err := c.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Exists reports whether a container with the given name or ID exists.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exec runs cmd inside the container and returns its combined stdout and
// stderr. It fails with ErrExecTimeout when timeout elapses and with
// ErrExecFailed on a non-zero exit code. Output collected so far is returned
// in both cases.
func (c *Client) Exec(ctx context.Context, name string, cmd []string, env map[string]string, timeout time.Duration) (string, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	created, err := c.docker.ContainerExecCreate(execCtx, name, container.ExecOptions{
		Cmd:          cmd,
		Env:          envList(env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("%w: read output: %v", ErrExecFailed, err)
		}
	case <-execCtx.Done():
		attach.Close()
		<-done
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		return out.String(), fmt.Errorf("%w after %s", ErrExecTimeout, timeout)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return out.String(), fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return out.String(), fmt.Errorf("%w: exit code %d", ErrExecFailed, inspect.ExitCode)
	}
	return out.String(), nil
}

// List returns all containers (running or not) carrying every given label.
func (c *Client) List(ctx context.Context, labels map[string]string) ([]Container, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter(labels),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]Container, 0, len(containers))
	for _, ctr := range containers {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		result = append(result, Container{ID: ctr.ID, Name: name, Labels: ctr.Labels})
	}
	return result, nil
}

// Stats samples CPU usage of every running container carrying the labels.
// Containers that vanish between listing and sampling are skipped.
func (c *Client) Stats(ctx context.Context, labels map[string]string) ([]ContainerStat, error) {
	containers, err := c.docker.ContainerList(ctx, container.ListOptions{Filters: labelFilter(labels)})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	stats := make([]*ContainerStat, len(containers))
	g, gctx := errgroup.WithContext(ctx)
	for i, ctr := range containers {
		g.Go(func() error {
			usage, err := c.cpuUsage(gctx, ctr.ID)
			if err != nil {
				if errdefs.IsNotFound(err) {
					return nil
				}
				return err
			}
			name := ctr.ID
			if len(ctr.Names) > 0 {
				name = strings.TrimPrefix(ctr.Names[0], "/")
			}
			stats[i] = &ContainerStat{Name: name, CPUUsage: usage}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}

	result := make([]ContainerStat, 0, len(stats))
	for _, s := range stats {
		if s != nil {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (c *Client) cpuUsage(ctx context.Context, id string) (float64, error) {
	resp, err := c.docker.ContainerStats(ctx, id, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return 0, fmt.Errorf("decode stats: %w", err)
	}
	return cpuFraction(s), nil
}

func cpuFraction(s container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / systemDelta * online
}

// Pull fetches an image, draining the progress stream.
func (c *Client) Pull(ctx context.Context, ref string) error {
	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

func (c *Client) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := c.docker.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateNetwork creates a bridge network. An existing network is reported
// through an error satisfying errdefs.IsConflict.
func (c *Client) CreateNetwork(ctx context.Context, name string) error {
	_, err := c.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("network create %s: %w", name, err)
	}
	return nil
}

func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	err := c.docker.NetworkRemove(ctx, name)
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("network remove %s: %w", name, err)
	}
	return nil
}

func (c *Client) NetworkConnect(ctx context.Context, name, containerID string) error {
	if err := c.docker.NetworkConnect(ctx, name, containerID, nil); err != nil {
		return fmt.Errorf("network connect %s: %w", name, err)
	}
	return nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func labelFilter(labels map[string]string) filters.Args {
	f := filters.NewArgs()
	for k, v := range labels {
		f.Add("label", k+"="+v)
	}
	return f
}

func restartPolicy(p string) string {
	switch p {
	case "always", "unless-stopped", "on-failure":
		return p
	default:
		return "no"
	}
}
