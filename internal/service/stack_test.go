package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web-casa/mcstack/internal/docker"
	"github.com/web-casa/mcstack/internal/event"
	"github.com/web-casa/mcstack/internal/model"
)

type stackFixture struct {
	svc      *StackService
	registry *Registry
	runner   *docker.MockRunner
	bus      *event.Bus
}

func newStackFixture(t *testing.T, maxStacks int) *stackFixture {
	t.Helper()
	tpl, err := LoadTemplate("")
	require.NoError(t, err)

	registry := NewRegistry(filepath.Join(t.TempDir(), "stacks"))
	runner := &docker.MockRunner{}
	bus := event.NewBus(nil)
	cli := docker.NewCLI(runner, "docker", time.Minute, time.Minute)
	svc := NewStackService(registry, tpl, cli, StackOptions{MaxStacks: maxStacks, Bus: bus})
	return &stackFixture{svc: svc, registry: registry, runner: runner, bus: bus}
}

// failOn makes every runtime command whose args contain verb exit with status 1.
func failOn(verb, stderr string) func(context.Context, string, []string) (*docker.Result, error) {
	return func(ctx context.Context, name string, args []string) (*docker.Result, error) {
		if slices.Contains(args, verb) {
			return &docker.Result{ExitCode: 1, Stderr: []byte(stderr)}, nil
		}
		return &docker.Result{}, nil
	}
}

func verbs(calls []docker.RunnerCall) []string {
	var out []string
	for _, c := range calls {
		switch {
		case slices.Contains(c.Args, "up"):
			out = append(out, "up")
		case slices.Contains(c.Args, "down"):
			out = append(out, "down")
		case len(c.Args) >= 2 && c.Args[0] == "volume":
			out = append(out, "volume rm")
		default:
			out = append(out, strings.Join(c.Args, " "))
		}
	}
	return out
}

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	f := newStackFixture(t, 8)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		created, err := f.svc.Create(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, created.ID)
		assert.Equal(t, 25565+want*PortIncrement, created.Ports.Primary)
		assert.Equal(t, 25575+want*PortIncrement, created.Ports.Control)
		assert.Equal(t, 2222+want*PortIncrement, created.Ports.Transfer)
	}

	ids, err := f.registry.List()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestCreateWritesStackDirectory(t *testing.T) {
	f := newStackFixture(t, 8)

	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created.ID)

	config, err := os.ReadFile(filepath.Join(f.registry.Dir(1), ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(config), "SERVER_PORT=25568\n")
	assert.Contains(t, string(config), "SFTP_SERVER_SERVICE=sftp_server_1\n")
	assert.Contains(t, string(config), "# Server settings\n")

	_, err = os.Stat(filepath.Join(f.registry.Dir(1), ManifestFile+".tmp"))
	assert.True(t, os.IsNotExist(err))

	calls := f.runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "docker", calls[0].Name)
	assert.Equal(t, []string{"compose", "-p", "stack_1", "-f", f.registry.ManifestPath(1), "up", "-d"}, calls[0].Args)
}

func TestCreateReusesIDAfterDeletingHighest(t *testing.T) {
	f := newStackFixture(t, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.Delete(ctx, 3))
	created, err := f.svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, created.ID)

	require.NoError(t, f.svc.Delete(ctx, 1))
	created, err = f.svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, created.ID)
}

func TestCreateSkipsLeftoverDirectory(t *testing.T) {
	f := newStackFixture(t, 8)
	_, err := f.registry.List()
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(f.registry.Dir(1), 0755))

	created, err := f.svc.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, created.ID)
}

func TestCreateRollsBackOnRuntimeFailure(t *testing.T) {
	f := newStackFixture(t, 8)
	f.runner.RunFunc = failOn("up", "port is already allocated\n")

	var events []event.Event
	f.bus.Subscribe(event.StackCreateFailed, func(e event.Event) { events = append(events, e) })

	created, err := f.svc.Create(WithSource(context.Background(), "cli"))
	require.Error(t, err)
	assert.Nil(t, created)
	assert.ErrorIs(t, err, ErrDocker)

	se, ok := err.(*StackError)
	require.True(t, ok)
	assert.Equal(t, 1, se.StackID)
	assert.Equal(t, "port is already allocated", se.Stderr)
	assert.Equal(t, 1, se.ExitCode)

	_, statErr := os.Stat(f.registry.Dir(1))
	assert.True(t, os.IsNotExist(statErr))
	ids, err := f.registry.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Equal(t, []string{"up", "down", "volume rm"}, verbs(f.runner.Calls()))

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].StackID)
	assert.Equal(t, "cli", events[0].Source)
	assert.True(t, events[0].Failed())

	// the id is free again
	f.runner.RunFunc = nil
	created, err = f.svc.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created.ID)
}

func TestCreateTimeoutIsRuntimeError(t *testing.T) {
	f := newStackFixture(t, 8)
	f.runner.RunFunc = func(ctx context.Context, name string, args []string) (*docker.Result, error) {
		if slices.Contains(args, "up") {
			return nil, fmt.Errorf("run docker: %w", docker.ErrTimeout)
		}
		return &docker.Result{}, nil
	}

	_, err := f.svc.Create(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocker)
	assert.ErrorIs(t, err, docker.ErrTimeout)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCreateEnforcesCapacity(t *testing.T) {
	f := newStackFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Create(ctx)
		require.NoError(t, err)
	}
	f.runner.Reset()

	_, err := f.svc.Create(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "maximum number of stacks (2) reached")
	assert.Empty(t, f.runner.Calls())

	require.NoError(t, f.svc.Delete(ctx, 1))
	created, err := f.svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, created.ID)
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	const n = 10
	f := newStackFixture(t, n+2)
	f.runner.RunFunc = func(ctx context.Context, name string, args []string) (*docker.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &docker.Result{}, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := f.svc.Create(context.Background())
			if assert.NoError(t, err) {
				mu.Lock()
				ids = append(ids, created.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Ints(ids)
	want := make([]int, n)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, ids)
}

func TestConcurrentCreatesRespectCapacity(t *testing.T) {
	f := newStackFixture(t, 3)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrCapacity):
				full++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 5, full)
}

func TestStartStopNotFound(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()

	err := f.svc.Start(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "stack 42 does not exist")

	assert.ErrorIs(t, f.svc.Stop(ctx, 42), ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, 42), ErrNotFound)
	assert.Empty(t, f.runner.Calls())
}

func TestStartStop(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.Reset()

	var got []string
	f.bus.Subscribe("*", func(e event.Event) { got = append(got, e.Type) })

	require.NoError(t, f.svc.Stop(ctx, 1))
	require.NoError(t, f.svc.Start(ctx, 1))

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"compose", "-p", "stack_1", "-f", f.registry.ManifestPath(1), "down"}, calls[0].Args)
	assert.Equal(t, []string{"compose", "-p", "stack_1", "-f", f.registry.ManifestPath(1), "up", "-d"}, calls[1].Args)
	assert.Equal(t, []string{event.StackStopped, event.StackStarted}, got)
	assert.True(t, f.registry.Exists(1))
}

func TestDeleteWaitsForInFlightStart(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		log      []string
		inFlight int
		maxSeen  int
	)
	upEntered := make(chan struct{})
	release := make(chan struct{})
	f.runner.Reset()
	f.runner.RunFunc = func(ctx context.Context, name string, args []string) (*docker.Result, error) {
		verb := verbs([]docker.RunnerCall{{Args: args}})[0]
		mu.Lock()
		inFlight++
		maxSeen = max(maxSeen, inFlight)
		log = append(log, verb+" begin")
		mu.Unlock()

		if verb == "up" {
			close(upEntered)
			<-release
		}

		mu.Lock()
		inFlight--
		log = append(log, verb+" end")
		mu.Unlock()
		return &docker.Result{}, nil
	}

	errs := make(chan error, 2)
	go func() { errs <- f.svc.Start(ctx, 1) }()
	<-upEntered
	go func() { errs <- f.svc.Delete(ctx, 1) }()

	// Delete is queued behind Start on the same id.
	require.Eventually(t, func() bool { return lockRefs(&f.svc.locks, 1) == 2 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"up begin"}, log)
	mu.Unlock()

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, []string{"up begin", "up end", "down begin", "down end", "volume rm begin", "volume rm end"}, log)
	assert.False(t, f.registry.Exists(1))
	assert.Zero(t, lockRefs(&f.svc.locks, 1))
}

func TestStopFailureCarriesStderr(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.RunFunc = failOn("down", "daemon unreachable")

	err = f.svc.Stop(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocker)
	se := err.(*StackError)
	assert.Equal(t, "failed to stop stack 1", se.Message)
	assert.Equal(t, "daemon unreachable", se.Stderr)
}

func TestUpdateStatus(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.Reset()

	require.NoError(t, f.svc.UpdateStatus(ctx, 1, model.StateStopped))
	require.NoError(t, f.svc.UpdateStatus(ctx, 1, model.StateRunning))
	assert.Equal(t, []string{"down", "up"}, verbs(f.runner.Calls()))

	err = f.svc.UpdateStatus(ctx, 1, "paused")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, f.runner.Calls(), 2)

	assert.ErrorIs(t, f.svc.UpdateStatus(ctx, 9, model.StateRunning), ErrNotFound)
}

func TestDelete(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.Reset()

	require.NoError(t, f.svc.Delete(ctx, 1))

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"compose", "-p", "stack_1", "-f", f.registry.ManifestPath(1), "down"}, calls[0].Args)
	assert.Equal(t, []string{"volume", "rm", "minecraft_server_1"}, calls[1].Args)
	_, err = os.Stat(f.registry.Dir(1))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, f.svc.Delete(ctx, 1), ErrNotFound)
}

func TestDeleteToleratesMissingVolume(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.RunFunc = failOn("volume", "Error response from daemon: get minecraft_server_1: no such volume")

	require.NoError(t, f.svc.Delete(ctx, 1))
	assert.False(t, f.registry.Exists(1))
}

func TestDeleteVolumeFailureLeavesDirectory(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.RunFunc = failOn("volume", "volume is in use")

	var failed []event.Event
	f.bus.Subscribe(event.StackDeleteFailed, func(e event.Event) { failed = append(failed, e) })

	err = f.svc.Delete(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDocker)
	assert.Equal(t, "volume is in use", err.(*StackError).Stderr)
	assert.True(t, f.registry.Exists(1))
	require.Len(t, failed, 1)

	// a second attempt resumes the teardown
	f.runner.RunFunc = nil
	require.NoError(t, f.svc.Delete(ctx, 1))
	assert.False(t, f.registry.Exists(1))
}

func TestDeleteDownFailureStops(t *testing.T) {
	f := newStackFixture(t, 4)
	ctx := context.Background()
	_, err := f.svc.Create(ctx)
	require.NoError(t, err)
	f.runner.Reset()
	f.runner.RunFunc = failOn("down", "boom")

	err = f.svc.Delete(ctx, 1)
	assert.ErrorIs(t, err, ErrDocker)
	assert.Equal(t, []string{"down"}, verbs(f.runner.Calls()))
	assert.True(t, f.registry.Exists(1))
}

func TestCreatedEventCarriesSource(t *testing.T) {
	f := newStackFixture(t, 4)
	var got event.Event
	f.bus.Subscribe(event.StackCreated, func(e event.Event) { got = e })

	_, err := f.svc.Create(WithSource(context.Background(), "192.0.2.10"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.StackID)
	assert.Equal(t, "192.0.2.10", got.Source)
	assert.Equal(t, "ports 25568/25578/2225", got.Detail)
	assert.False(t, got.Failed())
}

func TestMaxStacksDefaultsToCPUCount(t *testing.T) {
	tpl, err := LoadTemplate("")
	require.NoError(t, err)
	svc := NewStackService(NewRegistry(t.TempDir()), tpl, docker.NewCLI(&docker.MockRunner{}, "", time.Second, time.Second), StackOptions{})
	assert.Positive(t, svc.MaxStacks())
}
