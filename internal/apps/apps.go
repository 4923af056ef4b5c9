// Package apps manages user application containers through the Docker API.
// Apps are discovered by labels written into each generated compose file.
package apps

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"controlplane/internal/apperrors"
)

// Container labels written by the compose generator.
const (
	LabelType    = "paas.type"
	LabelOwner   = "paas.userid"
	LabelAppName = "paas.appname"
	LabelDomain  = "paas.domain"

	typeUserApp = "user-app"
)

// App describes one user application container.
type App struct {
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	ContainerID string    `json:"containerId"`
	State       string    `json:"state"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Running reports whether the app container is currently up.
func (a App) Running() bool { return a.State == "running" }

// DockerAPI is the slice of the Docker client the engine uses. Satisfied by
// *client.Client; tests substitute a fake.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Engine lists and acts on app containers.
type Engine struct {
	client DockerAPI
}

// NewEngine connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST and friends).
func NewEngine() (*Engine, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Engine{client: dockerClient}, nil
}

// NewEngineWith wraps an existing Docker API implementation.
func NewEngineWith(api DockerAPI) *Engine {
	return &Engine{client: api}
}

// List returns the app containers for one owner, or for all owners when
// owner is empty. Results are sorted by owner then app name.
func (e *Engine) List(ctx context.Context, owner string) ([]App, error) {
	args := filters.NewArgs(filters.Arg("label", LabelType+"="+typeUserApp))
	if owner != "" {
		args.Add("label", LabelOwner+"="+owner)
	}

	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, apperrors.Internal("docker.listContainers", err)
	}

	result := make([]App, 0, len(containers))
	for i := range containers {
		result = append(result, summaryToApp(&containers[i]))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Owner != result[j].Owner {
			return result[i].Owner < result[j].Owner
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// Find returns the app container for owner/name.
func (e *Engine) Find(ctx context.Context, owner, name string) (*App, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelType+"="+typeUserApp),
			filters.Arg("label", LabelOwner+"="+owner),
			filters.Arg("label", LabelAppName+"="+name),
		),
	})
	if err != nil {
		return nil, apperrors.Internal("docker.listContainers", err)
	}
	if len(containers) == 0 {
		return nil, apperrors.NotFound("app", owner+"/"+name)
	}

	app := summaryToApp(&containers[0])
	return &app, nil
}

// Start starts the app container.
func (e *Engine) Start(ctx context.Context, owner, name string) error {
	app, err := e.Find(ctx, owner, name)
	if err != nil {
		return err
	}
	if err := e.client.ContainerStart(ctx, app.ContainerID, container.StartOptions{}); err != nil {
		return apperrors.Internal("docker.startContainer", err)
	}
	return nil
}

// Stop stops the app container, allowing it stopTimeout seconds to exit.
func (e *Engine) Stop(ctx context.Context, owner, name string, stopTimeout int) error {
	app, err := e.Find(ctx, owner, name)
	if err != nil {
		return err
	}
	if err := e.client.ContainerStop(ctx, app.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		return apperrors.Internal("docker.stopContainer", err)
	}
	return nil
}

// Remove force-removes the app container.
func (e *Engine) Remove(ctx context.Context, owner, name string) error {
	app, err := e.Find(ctx, owner, name)
	if err != nil {
		return err
	}
	if err := e.client.ContainerRemove(ctx, app.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		return apperrors.Internal("docker.removeContainer", err)
	}
	return nil
}

// Logs returns up to tail recent log lines from the app container.
// This is a one-shot read of the container's output, not a job log stream.
func (e *Engine) Logs(ctx context.Context, owner, name string, tail int) ([]string, error) {
	app, err := e.Find(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	logs, err := e.client.ContainerLogs(ctx, app.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, apperrors.Internal("docker.containerLogs", err)
	}
	defer logs.Close()

	return demuxLogLines(logs), nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (e *Engine) Ready(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (e *Engine) Close() error {
	return e.client.Close()
}

func summaryToApp(c *container.Summary) App {
	return App{
		Owner:       c.Labels[LabelOwner],
		Name:        c.Labels[LabelAppName],
		Domain:      c.Labels[LabelDomain],
		ContainerID: c.ID,
		State:       c.State,
		Status:      c.Status,
		CreatedAt:   time.Unix(c.Created, 0).UTC(),
	}
}

// demuxLogLines reads the Docker log wire format: each frame carries an
// 8-byte header with the stream id and a big-endian payload size.
func demuxLogLines(r io.Reader) []string {
	var lines []string
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return lines
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return lines
		}

		lines = append(lines, splitLines(string(payload))...)
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
