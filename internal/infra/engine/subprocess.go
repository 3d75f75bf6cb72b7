package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// ─── Subprocess Runner ──────────────────────────────────────────────────────
// Runs the tool binary directly on this host. Each invocation gets its own
// environment copy, so the tool variable never leaks into the daemon or into
// concurrent runs.

// SubprocessRunner runs the tool as a child process.
type SubprocessRunner struct {
	path string
}

// NewSubprocessRunner resolves the tool binary and returns a runner for it.
func NewSubprocessRunner(toolPath, homeDir string) (*SubprocessRunner, error) {
	path, err := FindTool(toolPath, homeDir)
	if err != nil {
		return nil, err
	}
	return &SubprocessRunner{path: path}, nil
}

// Name identifies the runner in logs.
func (r *SubprocessRunner) Name() string { return "local" }

// Path returns the resolved tool binary.
func (r *SubprocessRunner) Path() string { return r.path }

// FindTool locates the tool binary. An absolute or relative path that exists
// wins; otherwise the name is looked up under homeDir and then on PATH.
func FindTool(toolPath, homeDir string) (string, error) {
	if toolPath == "" {
		return "", fmt.Errorf("tool path is empty")
	}
	if _, err := os.Stat(toolPath); err == nil {
		return filepath.Abs(toolPath)
	}

	name := filepath.Base(toolPath)
	candidates := []string{name}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		candidates = append(candidates, name+".exe")
	}
	for _, c := range candidates {
		if homeDir != "" {
			p := filepath.Join(homeDir, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf(`tool %q not found

Looked in:
  → %s
  → every folder in PATH

Set [tool] path in config.toml to the tool executable, or [tool] home_dir to
the directory that contains it.`, toolPath, homeDir)
}

// Run starts the tool in inv.WorkDir and waits for it.
func (r *SubprocessRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	ctx, cancel := withTimeout(ctx, inv.Timeout)
	defer cancel()

	tail := &limitedBuffer{max: stderrTailBytes}

	cmd := exec.CommandContext(ctx, r.path, inv.Input)
	cmd.Dir = inv.WorkDir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	cmd.Stdout = writerOrDiscard(inv.Stdout)
	cmd.Stderr = io.MultiWriter(writerOrDiscard(inv.Stderr), tail)
	cmd.WaitDelay = 5 * time.Second
	configureProcess(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), StderrTail: tail.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("tool %s: %w", filepath.Base(r.path), ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("start %s: %w", filepath.Base(r.path), err)
	}
}

// mergeEnv overlays extra on base so the child sees one value per key.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i > 0 {
			key = kv[:i]
		}
		if _, override := extra[key]; !override {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
