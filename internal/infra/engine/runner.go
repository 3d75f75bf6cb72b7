// Package engine runs the external property tool.
//
// The tool is an opaque single-shot executable: it is started inside a
// prepared working directory with the input file name as its only argument,
// and leaves a fixed set of output files behind. The Runner interface hides
// whether that happens as a local subprocess or inside a container, so the
// execution wrapper and its tests never care.
package engine

import (
	"context"
	"io"
	"time"
)

// ─── Runner Interface ───────────────────────────────────────────────────────

// Runner executes one tool invocation.
//
// A non-zero exit code is reported in Result, not as an error; an error means
// the tool could not be started, was cancelled or timed out.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
	Name() string
}

// Invocation describes one run of the tool.
type Invocation struct {
	WorkDir string            // directory the tool runs in; outputs land here
	Input   string            // input file name relative to WorkDir
	Env     map[string]string // extra variables for this run only
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration // 0 = no limit beyond ctx
}

// Result is what came back from a finished run.
type Result struct {
	ExitCode   int
	Duration   time.Duration
	StderrTail string // last few KB of stderr, for error records
}

// stderrTailBytes bounds how much stderr is kept in memory for Result.
const stderrTailBytes = 8192

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
