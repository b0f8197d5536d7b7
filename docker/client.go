// Package docker drives the host container runtime through its CLI.
package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tynkerbase/tynkerbase-agent/shell"
	"github.com/tynkerbase/tynkerbase-agent/wire"
)

const (
	imageSuffix     = "__tyb_image"
	containerSuffix = "__tyb_container"

	listContainersFormat = "table {{.ID}}|||{{.Image}}|||{{.Command}}|||{{.CreatedAt}}|||{{.Status}}|||{{.Ports}}|||{{.Names}}"
	statsFormat          = "table {{.ID}}|||{{.Container}}|||{{.CPUPerc}}|||{{.MemUsage}}|||{{.MemPerc}}|||{{.NetIO}}|||{{.BlockIO}}|||{{.PIDs}}"
)

// ColumnSeparator splits the columns of ListContainers and ListContainerStats.
const ColumnSeparator = "|||"

// ImageName is the image built for a project.
func ImageName(project string) string {
	return project + imageSuffix
}

// ContainerName is the container run for a project.
func ContainerName(project string) string {
	return project + containerSuffix
}

// ErrUnknownStatus is returned when `systemctl status docker` cannot be parsed.
var ErrUnknownStatus = errors.New("could not parse `systemctl status docker` output")

// DirFunc resolves the build directory of a project.
type DirFunc func(project string) (string, error)

// Client runs docker, systemctl and service. Commands are not cancelled when
// the caller's context is; the runtime is left to finish what it started.
type Client struct {
	runner shell.Runner
	dir    DirFunc
}

func NewClient(runner shell.Runner, dir DirFunc) *Client {
	return &Client{runner: runner, dir: dir}
}

func (c *Client) output(ctx context.Context, cmd shell.Cmd) ([]byte, error) {
	return c.runner.Output(context.WithoutCancel(ctx), cmd)
}

func (c *Client) run(ctx context.Context, cmd shell.Cmd) error {
	_, err := c.output(ctx, cmd)
	return err
}

func dockerCmd(args ...string) shell.Cmd {
	return shell.Cmd{Name: "docker", Args: args}
}

// Version returns the output of `docker --version`.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.output(ctx, dockerCmd("--version"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *Client) StartDaemon(ctx context.Context) error {
	return c.run(ctx, shell.Cmd{Name: "systemctl", Args: []string{"start", "docker"}})
}

func (c *Client) StopDaemon(ctx context.Context) error {
	return c.run(ctx, shell.Cmd{Name: "service", Args: []string{"docker", "stop"}})
}

// DaemonStatus reports whether the docker unit is active. systemctl exits
// non-zero for inactive units, so its stdout is parsed regardless of status.
func (c *Client) DaemonStatus(ctx context.Context) (bool, error) {
	out, err := c.output(ctx, shell.Cmd{Name: "systemctl", Args: []string{"status", "docker"}})
	if err != nil {
		if _, ok := shell.AsExitError(err); !ok || len(out) == 0 {
			return false, err
		}
	}
	return ParseDaemonStatus(string(out))
}

// ParseDaemonStatus reads the word after "Active: ".
func ParseDaemonStatus(out string) (bool, error) {
	_, rest, ok := strings.Cut(out, "Active: ")
	if !ok {
		return false, ErrUnknownStatus
	}
	word, _, ok := strings.Cut(rest, " ")
	if !ok {
		return false, ErrUnknownStatus
	}

	switch word {
	case "active":
		return true, nil
	case "inactive":
		return false, nil
	default:
		return false, errors.Wrapf(ErrUnknownStatus, "state %q", word)
	}
}

// BuildImage runs `docker build` in the project's directory.
func (c *Client) BuildImage(ctx context.Context, project string) error {
	dir, err := c.dir(project)
	if err != nil {
		return err
	}
	cmd := dockerCmd("build", "-t", ImageName(project), ".")
	cmd.Dir = dir
	return c.run(ctx, cmd)
}

func (c *Client) DeleteImage(ctx context.Context, project string) error {
	return c.run(ctx, dockerCmd("rmi", "-f", ImageName(project)))
}

// ListImages returns the raw `docker images` table.
func (c *Client) ListImages(ctx context.Context) (string, error) {
	out, err := c.output(ctx, dockerCmd("images"))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RunContainer starts a detached container from the project's image.
func (c *Client) RunContainer(ctx context.Context, config wire.ProjConfig) error {
	return c.run(ctx, dockerCmd(RunArgs(config)...))
}

// RunArgs is the argument vector of `docker run` for config.
func RunArgs(config wire.ProjConfig) []string {
	args := []string{"run", "-d", "--name", ContainerName(config.ProjName)}
	for _, p := range config.PortMapping {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p[0], p[1]))
	}
	for _, v := range config.VolumeMapping {
		args = append(args, "-v", fmt.Sprintf("%s:%s", v[0], v[1]))
	}
	return append(args, ImageName(config.ProjName))
}

func (c *Client) StopContainer(ctx context.Context, project string) error {
	return c.run(ctx, dockerCmd("stop", ContainerName(project)))
}

func (c *Client) DeleteContainer(ctx context.Context, project string) error {
	return c.run(ctx, dockerCmd("rm", "-f", ContainerName(project)))
}

// ListContainers returns every container as a ColumnSeparator table.
func (c *Client) ListContainers(ctx context.Context) (string, error) {
	out, err := c.output(ctx, dockerCmd("ps", "-a", "--format", listContainersFormat))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ListContainerStats returns one stats sample per running container as a
// ColumnSeparator table.
func (c *Client) ListContainerStats(ctx context.Context) (string, error) {
	out, err := c.output(ctx, dockerCmd("stats", "--no-stream", "--format", statsFormat))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// IsAbsent reports whether err is docker saying the image or container does
// not exist.
func IsAbsent(err error) bool {
	exitErr, ok := shell.AsExitError(err)
	if !ok {
		return false
	}
	return strings.Contains(exitErr.Stderr, "No such image") ||
		strings.Contains(exitErr.Stderr, "No such container")
}
