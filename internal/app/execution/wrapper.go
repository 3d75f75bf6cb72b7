// Package execution runs one accepted job end to end: it prepares a private
// work directory, runs the tool, bundles what the tool left behind and moves
// the bundle into the serve zone. Failures become an error record instead of
// escaping to the worker.
package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/engine"
	"github.com/propserve/propserve/internal/infra/metrics"
	"github.com/propserve/propserve/internal/infra/sqlite"
)

// Defaults for the tool this service was built around.
const (
	DefaultConfigName = "QPlimits"
	DefaultEnvVar     = "QPdir"
	stdoutName        = "stdout"
	stderrName        = "stderr"
)

// DefaultOutputs are the files bundled after a run, in archive order.
var DefaultOutputs = []string{"QPSA.out", "QP.out", "QP.CSV", "QPwarning", "QPlog", stderrName, stdoutName}

// Store is the part of the task store the wrapper drives.
type Store interface {
	HasResult(id domain.TaskID) (bool, error)
	StagedInput(id domain.TaskID) (string, error)
	EnsureServeDir(id domain.TaskID) error
	Promote(id domain.TaskID, artifact string) error
	RecordError(id domain.TaskID, detail string) error
	Unstage(id domain.TaskID) error
}

// History keeps finished runs and the timing average. It is optional.
type History interface {
	InsertRun(r sqlite.RunRecord) error
	RecordTiming(name string, elapsed time.Duration, sizeBytes int64) error
}

// Config configures the wrapper.
type Config struct {
	WorkRoot     string             // parent of per-run directories; "" = os.TempDir()
	ConfigName   string             // tool configuration file written into the work dir
	Template     *template.Template // nil = engine default template
	EnvVar       string             // variable pointing the tool at HomeDir
	HomeDir      string
	ResultName   string // bundle file name inside the work dir
	Outputs      []string
	Timeout      time.Duration
	TrackingName string
}

// Wrapper executes jobs with a Runner.
type Wrapper struct {
	store   Store
	runner  engine.Runner
	history History
	cfg     Config
	log     zerolog.Logger
	newID   func() string
}

// NewWrapper builds a wrapper. history may be nil.
func NewWrapper(store Store, runner engine.Runner, history History, cfg Config, logger zerolog.Logger) (*Wrapper, error) {
	if cfg.ConfigName == "" {
		cfg.ConfigName = DefaultConfigName
	}
	if cfg.EnvVar == "" {
		cfg.EnvVar = DefaultEnvVar
	}
	if cfg.ResultName == "" {
		cfg.ResultName = "qp_data.tar.gz"
	}
	if len(cfg.Outputs) == 0 {
		cfg.Outputs = DefaultOutputs
	}
	if cfg.TrackingName == "" {
		cfg.TrackingName = sqlite.DefaultTrackingName
	}
	if cfg.Template == nil {
		tmpl, err := engine.LoadConfigTemplate("")
		if err != nil {
			return nil, err
		}
		cfg.Template = tmpl
	}
	if cfg.WorkRoot != "" {
		if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
	}
	return &Wrapper{
		store:   store,
		runner:  runner,
		history: history,
		cfg:     cfg,
		log:     logger.With().Str("component", "execution").Str("runner", runner.Name()).Logger(),
		newID:   uuid.NewString,
	}, nil
}

// ─── Execute ────────────────────────────────────────────────────────────────

// runFailure carries what the error record needs beyond the error itself.
type runFailure struct {
	err      error
	exitCode int
	stderr   string
}

func (f *runFailure) Error() string { return f.err.Error() }
func (f *runFailure) Unwrap() error { return f.err }

// Execute runs job. A task that already has a result is skipped. When the
// context is cancelled mid-run the staging entry is left alone and ctx.Err()
// is returned so the job can be delivered again; any other failure is
// written to the task's error record and returned for accounting.
func (w *Wrapper) Execute(ctx context.Context, job domain.Job) (err error) {
	runID := w.newID()
	log := w.log.With().Str("task_id", job.TaskID.String()).Str("run_id", runID).Logger()

	done, err := w.store.HasResult(job.TaskID)
	if err != nil {
		return fmt.Errorf("check result: %w", err)
	}
	if done {
		log.Info().Msg("result already present, skipping")
		metrics.RunsCompleted.WithLabelValues("skipped").Inc()
		return nil
	}
	if !job.EnqueuedAt.IsZero() {
		metrics.QueueWait.Observe(time.Since(job.EnqueuedAt).Seconds())
	}

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	started := time.Now()
	rec := sqlite.RunRecord{RunID: runID, TaskID: job.TaskID, Runner: w.runner.Name(), StartedAt: started.UTC(), ExitCode: -1}

	defer func() {
		if r := recover(); r != nil {
			err = &runFailure{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack()), exitCode: -1}
		}
		if err != nil && ctx.Err() != nil {
			log.Info().Err(err).Msg("run interrupted")
			err = ctx.Err()
			return
		}
		rec.FinishedAt = time.Now().UTC()
		if err != nil {
			rec.Outcome = sqlite.OutcomeError
			err = w.recordFailure(job.TaskID, runID, err, log)
		} else {
			rec.Outcome = sqlite.OutcomeReady
		}
		metrics.RunsCompleted.WithLabelValues(rec.Outcome).Inc()
		w.remember(rec, log)
	}()

	res, size, err := w.run(ctx, job, runID, log)
	rec.ExitCode = res.ExitCode
	rec.InputBytes = size
	metrics.RunDuration.WithLabelValues(w.runner.Name()).Observe(res.Duration.Seconds())
	if err != nil {
		return err
	}

	if w.history != nil {
		if terr := w.history.RecordTiming(w.cfg.TrackingName, time.Since(started), size); terr != nil {
			log.Warn().Err(terr).Msg("record timing")
		}
	}
	log.Info().Int("exit_code", res.ExitCode).Dur("elapsed", time.Since(started)).Msg("run complete")
	return nil
}

// run does the work between "not done yet" and "result promoted".
func (w *Wrapper) run(ctx context.Context, job domain.Job, runID string, log zerolog.Logger) (engine.Result, int64, error) {
	res := engine.Result{ExitCode: -1}

	input := job.InputPath
	if input == "" {
		staged, err := w.store.StagedInput(job.TaskID)
		if err != nil {
			return res, 0, fmt.Errorf("locate staged input: %w", err)
		}
		input = staged
	}
	info, err := os.Stat(input)
	if err != nil {
		return res, 0, fmt.Errorf("staged input: %w", err)
	}
	size := info.Size()

	if err := w.store.EnsureServeDir(job.TaskID); err != nil {
		return res, size, err
	}

	workDir, err := os.MkdirTemp(w.cfg.WorkRoot, "run-"+runID+"-")
	if err != nil {
		return res, size, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	name := filepath.Base(input)
	if err := copyInto(input, filepath.Join(workDir, name)); err != nil {
		return res, size, fmt.Errorf("copy input: %w", err)
	}
	if _, err := engine.RenderConfig(w.cfg.Template, workDir, w.cfg.ConfigName, job.Options); err != nil {
		return res, size, err
	}

	stdout, err := os.Create(filepath.Join(workDir, stdoutName))
	if err != nil {
		return res, size, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(workDir, stderrName))
	if err != nil {
		return res, size, err
	}
	defer stderr.Close()

	env := map[string]string{}
	if w.cfg.HomeDir != "" {
		env[w.cfg.EnvVar] = w.cfg.HomeDir
	}

	log.Debug().Str("work_dir", workDir).Str("input", name).Msg("starting tool")
	res, err = w.runner.Run(ctx, engine.Invocation{
		WorkDir: workDir,
		Input:   name,
		Env:     env,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: w.cfg.Timeout,
	})
	if err != nil {
		return res, size, &runFailure{err: fmt.Errorf("run tool: %w", err), exitCode: res.ExitCode, stderr: res.StderrTail}
	}
	if res.ExitCode != 0 {
		log.Warn().Int("exit_code", res.ExitCode).Msg("tool exited non-zero, bundling what it left")
	}
	if err := stdout.Sync(); err != nil {
		return res, size, err
	}
	if err := stderr.Sync(); err != nil {
		return res, size, err
	}

	bundle := filepath.Join(workDir, w.cfg.ResultName)
	_, missing, err := engine.Bundle(bundle, workDir, w.cfg.Outputs)
	if err != nil {
		return res, size, fmt.Errorf("bundle outputs: %w", err)
	}
	if len(missing) > 0 {
		log.Debug().Strs("missing", missing).Msg("outputs not produced")
	}

	if err := w.store.Promote(job.TaskID, bundle); err != nil {
		return res, size, fmt.Errorf("promote result: %w", err)
	}
	if err := w.store.Unstage(job.TaskID); err != nil {
		log.Warn().Err(err).Msg("remove staging entry")
	}
	return res, size, nil
}

// ─── Failure Handling ───────────────────────────────────────────────────────

func (w *Wrapper) recordFailure(id domain.TaskID, runID string, cause error, log zerolog.Logger) error {
	detail := FormatFailure(runID, cause)
	if rerr := w.store.RecordError(id, detail); rerr != nil {
		log.Error().Err(rerr).AnErr("cause", cause).Msg("could not write error record")
		return errors.Join(cause, rerr)
	}
	log.Error().Err(cause).Msg("run failed, error recorded")
	return cause
}

// FormatFailure renders the text stored in a task's error record.
func FormatFailure(runID string, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s failed: %v\n", runID, cause)
	var rf *runFailure
	if errors.As(cause, &rf) {
		fmt.Fprintf(&b, "exit code: %d\n", rf.exitCode)
		if rf.stderr != "" {
			b.WriteString("--- stderr (tail) ---\n")
			b.WriteString(rf.stderr)
			if !strings.HasSuffix(rf.stderr, "\n") {
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func (w *Wrapper) remember(rec sqlite.RunRecord, log zerolog.Logger) {
	if w.history == nil {
		return
	}
	if err := w.history.InsertRun(rec); err != nil {
		log.Warn().Err(err).Msg("store run record")
	}
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
