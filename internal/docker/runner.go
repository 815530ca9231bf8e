package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// Result is the captured outcome of one external command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Success reports whether the command exited with status 0.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Runner executes external commands. A non-zero exit status is reported through
// Result.ExitCode, not as an error; errors mean the command could not run to
// completion (start failure, timeout, cancellation).
type Runner interface {
	Run(ctx context.Context, name string, args []string, timeout time.Duration) (*Result, error)
}

// ExecRunner runs commands as child processes in their own process group.
type ExecRunner struct {
	slots *semaphore.Weighted
}

// NewExecRunner creates an ExecRunner allowing at most concurrency commands at once.
func NewExecRunner(concurrency int) *ExecRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ExecRunner{slots: semaphore.NewWeighted(int64(concurrency))}
}

// Run executes name with args. The timeout covers both waiting for a free slot
// and the command itself. On timeout or cancellation the whole process group is killed.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx, name, args)
	}
	defer r.slots.Release(1)

	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, contextError(ctx, name, args)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("run %s: %w", name, err)
}

func contextError(ctx context.Context, name string, args []string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ctx.Err())
}

var _ Runner = (*ExecRunner)(nil)
