package docker

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/web-casa/mcstack/internal/metrics"
)

// Client wraps the Docker Engine API client. It answers the running-container
// query without spawning a CLI process.
type Client struct {
	cli     *client.Client
	timeout time.Duration
}

// NewClient creates a Client connected to the Docker daemon.
// socketPath defaults to /var/run/docker.sock if empty.
func NewClient(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = "/var/run/docker.sock"
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli, timeout: timeout}, nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

// RunningContainers lists running containers and their first published port.
func (c *Client) RunningContainers(ctx context.Context) (map[string]RunningContainer, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	list, err := c.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("status", "running")),
	})
	if err != nil {
		metrics.ObserveCommand("api ps", "error", time.Since(start))
		return nil, err
	}
	metrics.ObserveCommand("api ps", "ok", time.Since(start))

	result := make(map[string]RunningContainer, len(list))
	for _, ctr := range list {
		if len(ctr.Names) == 0 {
			continue
		}
		name := strings.TrimPrefix(ctr.Names[0], "/")
		rc := RunningContainer{Name: name}
		for _, p := range ctr.Ports {
			if p.PublicPort != 0 {
				port := int(p.PublicPort)
				rc.Port = &port
				break
			}
		}
		result[name] = rc
	}
	return result, nil
}
