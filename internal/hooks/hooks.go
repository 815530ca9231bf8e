// Package hooks runs operator scripts after lifecycle events. A script named
// after the event type (stack.created.sh, stack.deleted.sh, ...) in the hooks
// directory is invoked with the stack id as its only argument.
package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/web-casa/mcstack/internal/docker"
	"github.com/web-casa/mcstack/internal/event"
)

// Runner executes hook scripts in the background.
type Runner struct {
	dir     string
	runner  docker.Runner
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// New creates a hook Runner over dir.
func New(dir string, runner docker.Runner, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{dir: dir, runner: runner, timeout: timeout, logger: logger}
}

// Attach subscribes to every event on bus.
func (h *Runner) Attach(bus *event.Bus) (detach func()) {
	return bus.Subscribe("*", h.Handle)
}

// Handle starts the script for e if one exists. It does not wait for it.
func (h *Runner) Handle(e event.Event) {
	script := filepath.Join(h.dir, e.Type+".sh")
	info, err := os.Stat(script)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.runner.Run(context.Background(), script, []string{strconv.Itoa(e.StackID)}, h.timeout)
		switch {
		case err != nil:
			h.logger.Warn("hook failed", "script", script, "stack_id", e.StackID, "err", err)
		case !res.Success():
			h.logger.Warn("hook exited non-zero",
				"script", script,
				"stack_id", e.StackID,
				"exit_code", res.ExitCode,
				"stderr", string(res.Stderr),
			)
		default:
			h.logger.Debug("hook completed", "script", script, "stack_id", e.StackID, "duration", res.Duration)
		}
	}()
}

// Wait blocks until every started hook has finished.
func (h *Runner) Wait() { h.wg.Wait() }
