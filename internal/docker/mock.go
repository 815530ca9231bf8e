package docker

import (
	"context"
	"sync"
	"time"
)

// MockRunner is a Runner for tests. It records every invocation and delegates
// to RunFunc. A nil RunFunc succeeds with empty output.
type MockRunner struct {
	RunFunc func(ctx context.Context, name string, args []string) (*Result, error)

	mu    sync.Mutex
	calls []RunnerCall
}

// RunnerCall is one recorded invocation.
type RunnerCall struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

func (m *MockRunner) Run(ctx context.Context, name string, args []string, timeout time.Duration) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RunnerCall{Name: name, Args: append([]string(nil), args...), Timeout: timeout})
	fn := m.RunFunc
	m.mu.Unlock()

	if fn == nil {
		return &Result{}, nil
	}
	return fn(ctx, name, args)
}

// Calls returns a copy of the recorded invocations.
func (m *MockRunner) Calls() []RunnerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunnerCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded invocations.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

var _ Runner = (*MockRunner)(nil)
