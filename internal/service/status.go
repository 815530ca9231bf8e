package service

import (
	"context"
	"log/slog"

	"github.com/web-casa/mcstack/internal/docker"
	"github.com/web-casa/mcstack/internal/metrics"
	"github.com/web-casa/mcstack/internal/model"
	"golang.org/x/sync/errgroup"
)

// ContainerLister answers the batched running-container query.
type ContainerLister interface {
	RunningContainers(ctx context.Context) (map[string]docker.RunningContainer, error)
}

// AddressSource provides the host's public address. It must not fail; an
// unknown address is "".
type AddressSource interface {
	Get(ctx context.Context) string
}

// StatusService merges the declared stacks from the registry with one batched
// runtime query into a status view.
type StatusService struct {
	registry *Registry
	tpl      *Template
	lister   ContainerLister
	address  AddressSource
	logger   *slog.Logger
}

// NewStatusService creates a StatusService. address may be nil.
func NewStatusService(registry *Registry, tpl *Template, lister ContainerLister, address AddressSource, logger *slog.Logger) *StatusService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusService{
		registry: registry,
		tpl:      tpl,
		lister:   lister,
		address:  address,
		logger:   logger,
	}
}

// List returns the status of every declared stack, ordered by id. With no
// declared stacks the runtime is not queried at all.
func (s *StatusService) List(ctx context.Context) (*model.StackList, error) {
	ids, err := s.registry.List()
	if err != nil {
		return nil, withOp(err, "list")
	}
	metrics.SetStacks(len(ids))

	result := &model.StackList{Stacks: []model.StackStatus{}}
	if len(ids) == 0 {
		result.PublicAddress = s.publicAddress(ctx)
		return result, nil
	}

	var running map[string]docker.RunningContainer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result.PublicAddress = s.publicAddress(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		running, err = s.lister.RunningContainers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to query running containers", "err", err)
		return nil, runtimeErr("list", 0, "failed to get container information", err)
	}

	for _, id := range ids {
		result.Stacks = append(result.Stacks, s.classify(id, running))
	}
	return result, nil
}

// Get returns the status of a single stack.
func (s *StatusService) Get(ctx context.Context, id int) (*model.StackStatus, error) {
	if !s.registry.Exists(id) {
		return nil, notFoundErr("get", id)
	}
	running, err := s.lister.RunningContainers(ctx)
	if err != nil {
		return nil, runtimeErr("get", id, "failed to get container information", err)
	}
	st := s.classify(id, running)
	return &st, nil
}

func (s *StatusService) classify(id int, running map[string]docker.RunningContainer) model.StackStatus {
	names := s.tpl.Names(id)
	st := model.StackStatus{
		ID: id,
		Services: model.StackServices{
			Primary:  serviceStatus(running, names.Primary),
			Transfer: serviceStatus(running, names.Transfer),
		},
	}
	switch {
	case st.Services.Primary.State == model.StateRunning && st.Services.Transfer.State == model.StateRunning:
		st.State = model.StateRunning
	case st.Services.Primary.State == model.StateStopped && st.Services.Transfer.State == model.StateStopped:
		st.State = model.StateStopped
	default:
		st.State = model.StateMixed
	}
	return st
}

func serviceStatus(running map[string]docker.RunningContainer, name string) model.ServiceStatus {
	c, ok := running[name]
	if !ok {
		return model.ServiceStatus{State: model.StateStopped}
	}
	return model.ServiceStatus{State: model.StateRunning, PublishedPort: c.Port}
}

func (s *StatusService) publicAddress(ctx context.Context) string {
	if s.address == nil {
		return ""
	}
	return s.address.Get(ctx)
}
