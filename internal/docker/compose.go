package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/web-casa/mcstack/internal/metrics"
)

// CommandError reports a runtime command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// RunningContainer is one entry of the running-container snapshot.
// Port is the first published host port, or nil when nothing is published.
type RunningContainer struct {
	Name string
	Port *int
}

// CLI drives the container runtime through its command-line client.
type CLI struct {
	runner        Runner
	statusRunner  Runner
	binary        string
	timeout       time.Duration
	statusTimeout time.Duration
}

// NewCLI creates a CLI. timeout bounds compose and volume commands,
// statusTimeout bounds the running-container query.
func NewCLI(runner Runner, binary string, timeout, statusTimeout time.Duration) *CLI {
	if binary == "" {
		binary = "docker"
	}
	return &CLI{runner: runner, statusRunner: runner, binary: binary, timeout: timeout, statusTimeout: statusTimeout}
}

// WithStatusRunner routes the running-container query through r, so slow
// compose and volume commands holding every slot of the lifecycle runner
// cannot starve list and status requests.
func (c *CLI) WithStatusRunner(r Runner) *CLI {
	c.statusRunner = r
	return c
}

// ComposeUp runs `docker compose -p <project> -f <manifest> up -d`.
func (c *CLI) ComposeUp(ctx context.Context, project, manifest string) error {
	_, err := c.run(ctx, "compose up", c.timeout, "compose", "-p", project, "-f", manifest, "up", "-d")
	return err
}

// ComposeDown runs `docker compose -p <project> -f <manifest> down`.
func (c *CLI) ComposeDown(ctx context.Context, project, manifest string) error {
	_, err := c.run(ctx, "compose down", c.timeout, "compose", "-p", project, "-f", manifest, "down")
	return err
}

// RemoveVolume runs `docker volume rm <name>`.
func (c *CLI) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.run(ctx, "volume rm", c.timeout, "volume", "rm", name)
	return err
}

// RunningContainers lists every running container with its first published port
// in a single `docker ps` call.
func (c *CLI) RunningContainers(ctx context.Context) (map[string]RunningContainer, error) {
	res, err := c.exec(ctx, c.statusRunner, "ps", c.statusTimeout, "ps", "--format", "{{.Names}}|{{.Ports}}")
	if err != nil {
		return nil, err
	}
	return ParsePsOutput(string(res.Stdout)), nil
}

func (c *CLI) run(ctx context.Context, label string, timeout time.Duration, args ...string) (*Result, error) {
	return c.exec(ctx, c.runner, label, timeout, args...)
}

func (c *CLI) exec(ctx context.Context, runner Runner, label string, timeout time.Duration, args ...string) (*Result, error) {
	res, err := runner.Run(ctx, c.binary, args, timeout)
	if err != nil {
		metrics.ObserveCommand(label, "error", durationOf(res))
		return nil, err
	}
	if !res.Success() {
		metrics.ObserveCommand(label, "failed", res.Duration)
		return nil, &CommandError{
			Command:  c.binary + " " + strings.Join(args, " "),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	metrics.ObserveCommand(label, "ok", res.Duration)
	return res, nil
}

func durationOf(res *Result) time.Duration {
	if res == nil {
		return 0
	}
	return res.Duration
}
