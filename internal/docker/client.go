package docker

import (
	"context"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"
)

// ContainerState is the observed state of one container of a compose project.
type ContainerState struct {
	Name    string `json:"name"`
	Service string `json:"service"`
	Image   string `json:"image"`
	State   string `json:"state"`  // running, exited, paused, restarting, ...
	Status  string `json:"status"` // human-readable, e.g. "Up 2 hours"
}

// Running reports whether the container is up.
func (c ContainerState) Running() bool { return c.State == "running" }

// Client wraps the Docker Engine API client.
type Client struct {
	cli *client.Client
}

// NewClient creates a Client connected to the Docker daemon.
// socketPath defaults to /var/run/docker.sock if empty.
func NewClient(socketPath string) (*Client, error) {
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
	return &Client{cli: cli}, nil
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

// ProjectStates lists every compose-managed container (including stopped
// ones) grouped by compose project name.
func (c *Client) ProjectStates(ctx context.Context) (map[string][]ContainerState, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel)),
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]ContainerState)
	for _, ctr := range containers {
		project := ctr.Labels[projectLabel]
		if project == "" {
			continue
		}
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out[project] = append(out[project], ContainerState{
			Name:    name,
			Service: ctr.Labels[serviceLabel],
			Image:   ctr.Image,
			State:   ctr.State,
			Status:  ctr.Status,
		})
	}
	for _, states := range out {
		sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	}
	return out, nil
}
