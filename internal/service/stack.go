package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/web-casa/mcstack/internal/docker"
	"github.com/web-casa/mcstack/internal/event"
	"github.com/web-casa/mcstack/internal/metrics"
	"github.com/web-casa/mcstack/internal/model"
)

// Runtime is the container runtime as used by the lifecycle operations.
type Runtime interface {
	ComposeUp(ctx context.Context, project, manifest string) error
	ComposeDown(ctx context.Context, project, manifest string) error
	RemoveVolume(ctx context.Context, name string) error
}

// StackService creates, starts, stops and deletes stacks.
//
// Create is serialized by one mutex covering enumeration, capacity check, id
// reservation and the directory write. Start, Stop and Delete are serialized
// per stack id only.
type StackService struct {
	registry  *Registry
	tpl       *Template
	runtime   Runtime
	bus       *event.Bus
	logger    *slog.Logger
	maxStacks int

	createMu sync.Mutex
	locks    keyedMutex
}

// StackOptions configure a StackService. Zero values pick defaults.
type StackOptions struct {
	MaxStacks int // defaults to runtime.NumCPU()
	Bus       *event.Bus
	Logger    *slog.Logger
}

// NewStackService creates a StackService.
func NewStackService(registry *Registry, tpl *Template, rt Runtime, opts StackOptions) *StackService {
	if opts.MaxStacks <= 0 {
		opts.MaxStacks = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StackService{
		registry:  registry,
		tpl:       tpl,
		runtime:   rt,
		bus:       opts.Bus,
		logger:    opts.Logger,
		maxStacks: opts.MaxStacks,
	}
}

// MaxStacks returns the admission-control bound.
func (s *StackService) MaxStacks() int { return s.maxStacks }

// Create allocates the next id, writes the stack directory and starts its
// containers. If the runtime fails, the directory is removed again and no
// stack with that id remains visible.
func (s *StackService) Create(ctx context.Context) (*model.CreatedStack, error) {
	id, ports, unlock, err := s.reserve(ctx)
	if err != nil {
		metrics.ObserveLifecycle("create", err)
		s.publish(ctx, event.StackCreateFailed, id, "", err)
		return nil, err
	}
	defer unlock()

	dir := s.registry.Dir(id)
	if err := s.runtime.ComposeUp(ctx, ProjectName(id), s.registry.ManifestPath(id)); err != nil {
		stackErr := runtimeErr("create", id, "failed to start containers, stack creation rolled back", err)
		s.rollback(ctx, id, dir)
		s.logger.Error("stack create failed",
			"stack_id", id,
			"stderr", stackErr.Stderr,
			"err", err,
		)
		metrics.ObserveLifecycle("create", stackErr)
		s.publish(ctx, event.StackCreateFailed, id, "", stackErr)
		return nil, stackErr
	}

	s.logger.Info("stack created",
		"stack_id", id,
		"server_port", ports.Primary,
		"rcon_port", ports.Control,
		"sftp_port", ports.Transfer,
	)
	metrics.ObserveLifecycle("create", nil)
	s.publish(ctx, event.StackCreated, id, fmt.Sprintf("ports %d/%d/%d", ports.Primary, ports.Control, ports.Transfer), nil)
	return &model.CreatedStack{ID: id, Ports: ports}, nil
}

// reserve runs the create critical section. On success the returned unlock
// releases the per-id lock, which stays held for the rest of Create.
func (s *StackService) reserve(ctx context.Context) (int, model.Ports, func(), error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	ids, high, err := s.registry.scan()
	if err != nil {
		return 0, model.Ports{}, nil, withOp(err, "create")
	}
	if len(ids) >= s.maxStacks {
		return 0, model.Ports{}, nil, &StackError{
			Op:      "create",
			Kind:    ErrCapacity,
			Message: fmt.Sprintf("maximum number of stacks (%d) reached", s.maxStacks),
		}
	}

	id := high + 1
	ports, err := s.tpl.ComputePorts(id)
	if err != nil {
		return id, model.Ports{}, nil, withOp(err, "create")
	}
	config, err := s.tpl.RenderConfig(id, ports)
	if err != nil {
		return id, model.Ports{}, nil, withOp(err, "create")
	}
	manifest := s.tpl.RenderManifest()
	dir := s.registry.Dir(id)
	if err := s.tpl.ValidateManifest(ctx, id, dir, config, manifest); err != nil {
		return id, model.Ports{}, nil, withOp(err, "create")
	}

	unlock := s.locks.Lock(id)
	if err := writeStack(dir, config, manifest); err != nil {
		unlock()
		return id, model.Ports{}, nil, fsErr("create", id, "failed to write stack directory", err)
	}
	return id, ports, unlock, nil
}

// writeStack creates dir, which must not exist yet, and writes the config and
// then the manifest. The manifest is renamed into place last, so the registry
// never sees a half-written stack.
func writeStack(dir, config string, manifest []byte) (err error) {
	if err := os.Mkdir(dir, 0755); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(config), 0600); err != nil {
		return err
	}
	tmp := filepath.Join(dir, ManifestFile+".tmp")
	if err := os.WriteFile(tmp, manifest, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFile))
}

// rollback undoes a failed Create. Containers or the volume that a partial
// `up` may have left behind are removed best effort before the directory.
func (s *StackService) rollback(ctx context.Context, id int, dir string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.runtime.ComposeDown(ctx, ProjectName(id), s.registry.ManifestPath(id)); err != nil {
		s.logger.Warn("rollback: compose down failed", "stack_id", id, "err", err)
	}
	if err := s.runtime.RemoveVolume(ctx, s.tpl.Names(id).Volume); err != nil && !isMissingVolume(err) {
		s.logger.Warn("rollback: volume removal failed", "stack_id", id, "err", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Error("rollback: failed to remove stack directory, manual cleanup required",
			"stack_id", id,
			"dir", dir,
			"err", err,
		)
	}
}

// Start brings the containers of stack id up.
func (s *StackService) Start(ctx context.Context, id int) error {
	err := s.toggle(ctx, "start", id, s.runtime.ComposeUp)
	if err == nil {
		s.publish(ctx, event.StackStarted, id, "", nil)
	}
	return err
}

// Stop brings the containers of stack id down. Directory and manifest stay.
func (s *StackService) Stop(ctx context.Context, id int) error {
	err := s.toggle(ctx, "stop", id, s.runtime.ComposeDown)
	if err == nil {
		s.publish(ctx, event.StackStopped, id, "", nil)
	}
	return err
}

func (s *StackService) toggle(ctx context.Context, op string, id int, run func(context.Context, string, string) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if !s.registry.Exists(id) {
		err := notFoundErr(op, id)
		metrics.ObserveLifecycle(op, err)
		return err
	}
	if err := run(ctx, ProjectName(id), s.registry.ManifestPath(id)); err != nil {
		stackErr := runtimeErr(op, id, fmt.Sprintf("failed to %s stack %d", op, id), err)
		s.logger.Error("stack "+op+" failed", "stack_id", id, "stderr", stackErr.Stderr, "err", err)
		metrics.ObserveLifecycle(op, stackErr)
		return stackErr
	}

	s.logger.Info("stack "+op+" completed", "stack_id", id)
	metrics.ObserveLifecycle(op, nil)
	return nil
}

// UpdateStatus dispatches to Start or Stop.
func (s *StackService) UpdateStatus(ctx context.Context, id int, desired model.State) error {
	switch desired {
	case model.StateRunning:
		return s.Start(ctx, id)
	case model.StateStopped:
		return s.Stop(ctx, id)
	default:
		return &StackError{
			Op:      "update status",
			StackID: id,
			Kind:    ErrInvalidStatus,
			Message: fmt.Sprintf("invalid status %q, expected %q or %q", desired, model.StateRunning, model.StateStopped),
		}
	}
}

// Delete tears stack id down in three steps: compose down, volume removal,
// directory removal. The first failing step aborts and nothing is rolled back,
// so a failure can leave the stack stopped with its volume or directory still
// present. Running Delete again resumes the teardown; a volume that is already
// gone is not an error.
func (s *StackService) Delete(ctx context.Context, id int) (err error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	defer func() {
		metrics.ObserveLifecycle("delete", err)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.publish(ctx, event.StackDeleteFailed, id, "", err)
		}
	}()

	if !s.registry.Exists(id) {
		return notFoundErr("delete", id)
	}

	if err := s.runtime.ComposeDown(ctx, ProjectName(id), s.registry.ManifestPath(id)); err != nil {
		stackErr := runtimeErr("delete", id, fmt.Sprintf("failed to stop stack %d", id), err)
		s.logger.Error("stack delete failed", "stack_id", id, "step", "down", "stderr", stackErr.Stderr, "err", err)
		return stackErr
	}

	volume := s.tpl.Names(id).Volume
	if err := s.runtime.RemoveVolume(ctx, volume); err != nil && !isMissingVolume(err) {
		stackErr := runtimeErr("delete", id, fmt.Sprintf("failed to remove volume %s", volume), err)
		s.logger.Error("stack delete failed, containers are stopped but the volume remains",
			"stack_id", id, "step", "volume", "stderr", stackErr.Stderr, "err", err)
		return stackErr
	}

	if err := os.RemoveAll(s.registry.Dir(id)); err != nil {
		s.logger.Error("stack delete failed, containers and volume are gone but the directory remains",
			"stack_id", id, "step", "directory", "err", err)
		return fsErr("delete", id, "failed to remove stack directory", err)
	}

	s.logger.Info("stack deleted", "stack_id", id)
	s.publish(ctx, event.StackDeleted, id, "", nil)
	return nil
}

func (s *StackService) publish(ctx context.Context, typ string, id int, detail string, err error) {
	e := event.Event{Type: typ, StackID: id, Detail: detail, Source: SourceFrom(ctx)}
	if err != nil {
		e.Error = err.Error()
	}
	s.bus.Publish(e)
}

// runtimeErr wraps a runtime failure, lifting stderr and exit code out of a
// CommandError. Timeouts and cancellations are runtime errors too.
func runtimeErr(op string, id int, msg string, err error) *StackError {
	se := &StackError{Op: op, StackID: id, Kind: ErrDocker, Message: msg, Err: err}
	var cmdErr *docker.CommandError
	if errors.As(err, &cmdErr) {
		se.Stderr = cmdErr.Stderr
		se.ExitCode = cmdErr.ExitCode
	}
	if errors.Is(err, docker.ErrTimeout) {
		se.Message = msg + ": timed out"
	}
	return se
}

func isMissingVolume(err error) bool {
	var cmdErr *docker.CommandError
	return errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "no such volume")
}

// withOp re-labels a StackError raised by a helper with the caller's operation.
func withOp(err error, op string) error {
	var se *StackError
	if errors.As(err, &se) {
		cp := *se
		cp.Op = op
		return &cp
	}
	return err
}

type sourceKey struct{}

// WithSource tags ctx with the origin of a request (client address or "cli"),
// recorded on lifecycle events.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the origin recorded by WithSource, or "".
func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}
