package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ─── Mock Runner (for testing without the real tool) ────────────────────────

// MockRunner pretends to be the tool. By default it writes every name in
// Outputs into the work directory with a short body derived from the input.
type MockRunner struct {
	Outputs  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Delay    time.Duration

	// Fail, when set, makes Run return this error without writing anything.
	Fail error
	// Hook runs after outputs are written; it may inspect or alter WorkDir.
	Hook func(inv Invocation) error

	mu    sync.Mutex
	calls []Invocation
}

// NewMockRunner returns a runner that produces the given output files.
func NewMockRunner(outputs ...string) *MockRunner {
	return &MockRunner{Outputs: outputs, Stdout: "mock run complete\n"}
}

func (m *MockRunner) Name() string { return "mock" }

// Calls returns a copy of every invocation seen so far.
func (m *MockRunner) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invocation, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()

	start := time.Now()
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{ExitCode: -1}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if m.Fail != nil {
		return Result{ExitCode: -1}, m.Fail
	}

	if _, err := os.Stat(filepath.Join(inv.WorkDir, inv.Input)); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("mock: input missing: %w", err)
	}
	for _, name := range m.Outputs {
		body := fmt.Sprintf("%s for %s\n", name, inv.Input)
		if err := os.WriteFile(filepath.Join(inv.WorkDir, name), []byte(body), 0o644); err != nil {
			return Result{ExitCode: -1}, err
		}
	}
	if inv.Stdout != nil && m.Stdout != "" {
		fmt.Fprint(inv.Stdout, m.Stdout)
	}
	if inv.Stderr != nil && m.Stderr != "" {
		fmt.Fprint(inv.Stderr, m.Stderr)
	}
	if m.Hook != nil {
		if err := m.Hook(inv); err != nil {
			return Result{ExitCode: -1}, err
		}
	}
	return Result{ExitCode: m.ExitCode, Duration: time.Since(start), StderrTail: m.Stderr}, nil
}
