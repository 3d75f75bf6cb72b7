package execution

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/checksum"
	"github.com/propserve/propserve/internal/infra/engine"
	"github.com/propserve/propserve/internal/infra/sqlite"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

type fixture struct {
	store  *taskstore.Store
	db     *sqlite.DB
	runner *engine.MockRunner
	w      *Wrapper
}

func newFixture(t *testing.T, runner *engine.MockRunner) *fixture {
	t.Helper()
	root := t.TempDir()
	store, err := taskstore.New(taskstore.Layout{
		InboundRoot: filepath.Join(root, "inbound"),
		ServeRoot:   filepath.Join(root, "serve"),
	})
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(root, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w, err := NewWrapper(store, runner, db, Config{
		WorkRoot: filepath.Join(root, "work"),
		HomeDir:  "/opt/tool",
	}, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{store: store, db: db, runner: runner, w: w}
}

func (f *fixture) stage(t *testing.T, content string) domain.Job {
	t.Helper()
	id, err := checksum.DigestReader(strings.NewReader(content), 0)
	require.NoError(t, err)
	path, created, err := f.store.Stage(id, taskstore.DefaultInputName, strings.NewReader(content))
	require.NoError(t, err)
	require.True(t, created)
	return domain.Job{TaskID: id, InputPath: path, Options: domain.DefaultOptions(), EnqueuedAt: time.Now()}
}

func (f *fixture) kind(t *testing.T, id domain.TaskID) taskstore.Kind {
	t.Helper()
	target, err := f.store.Resolve(id)
	require.NoError(t, err)
	return target.Kind
}

func bundleNames(t *testing.T, path string) map[string]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	entries, err := engine.ReadBundle(fh, true)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = string(e.Data)
	}
	return out
}

// ─── Success Path ───────────────────────────────────────────────────────────

func TestExecute_Success(t *testing.T) {
	runner := engine.NewMockRunner("QP.out", "QP.CSV")
	var limits string
	runner.Hook = func(inv engine.Invocation) error {
		raw, err := os.ReadFile(filepath.Join(inv.WorkDir, DefaultConfigName))
		limits = string(raw)
		return err
	}
	f := newFixture(t, runner)
	job := f.stage(t, "CCO\n")
	job.Options.Fast = true
	job.Options.Similar = 7

	require.NoError(t, f.w.Execute(context.Background(), job))

	assert.Equal(t, taskstore.KindResult, f.kind(t, job.TaskID))
	_, err := os.Stat(f.store.StagingDir(job.TaskID))
	assert.True(t, os.IsNotExist(err), "staging entry should be removed")

	members := bundleNames(t, f.store.ResultPath(job.TaskID))
	assert.Contains(t, members, "QP.out")
	assert.Contains(t, members, "QP.CSV")
	assert.Equal(t, "mock run complete\n", members["stdout"])
	assert.Contains(t, members, "stderr")
	assert.NotContains(t, members, "QPlog")

	assert.Equal(t, "proc_mode fast\nnmol 7\n", limits)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]string{DefaultEnvVar: "/opt/tool"}, calls[0].Env)
	assert.Equal(t, taskstore.DefaultInputName, calls[0].Input)
	_, err = os.Stat(calls[0].WorkDir)
	assert.True(t, os.IsNotExist(err), "work dir should be cleaned up")

	runs, err := f.db.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlite.OutcomeReady, runs[0].Outcome)
	assert.Equal(t, int64(4), runs[0].InputBytes)

	timing, err := f.db.TimingFor(sqlite.DefaultTrackingName)
	require.NoError(t, err)
	require.NotNil(t, timing)
	assert.Equal(t, int64(1), timing.TotalOps)
}

func TestExecute_SkipsWhenResultExists(t *testing.T) {
	f := newFixture(t, engine.NewMockRunner("QP.out"))
	job := f.stage(t, "c1ccccc1\n")

	require.NoError(t, f.w.Execute(context.Background(), job))
	require.NoError(t, f.w.Execute(context.Background(), job))

	assert.Len(t, f.runner.Calls(), 1)
}

func TestExecute_MissingOutputsTolerated(t *testing.T) {
	f := newFixture(t, engine.NewMockRunner())
	job := f.stage(t, "N\n")

	require.NoError(t, f.w.Execute(context.Background(), job))

	members := bundleNames(t, f.store.ResultPath(job.TaskID))
	assert.Len(t, members, 2)
	assert.Contains(t, members, "stdout")
	assert.Contains(t, members, "stderr")
}

func TestExecute_NonZeroExitStillBundles(t *testing.T) {
	runner := engine.NewMockRunner("QPwarning")
	runner.ExitCode = 3
	runner.Stderr = "warning: odd valence\n"
	f := newFixture(t, runner)
	job := f.stage(t, "O=O\n")

	require.NoError(t, f.w.Execute(context.Background(), job))

	assert.Equal(t, taskstore.KindResult, f.kind(t, job.TaskID))
	members := bundleNames(t, f.store.ResultPath(job.TaskID))
	assert.Equal(t, "warning: odd valence\n", members["stderr"])
}

// ─── Failure Paths ──────────────────────────────────────────────────────────

func TestExecute_RunnerFailureRecordsError(t *testing.T) {
	runner := engine.NewMockRunner()
	runner.Fail = errors.New("exec format error")
	f := newFixture(t, runner)
	job := f.stage(t, "CCN\n")

	err := f.w.Execute(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, taskstore.KindError, f.kind(t, job.TaskID))
	detail, err := f.store.ReadError(job.TaskID)
	require.NoError(t, err)
	assert.Contains(t, detail, "exec format error")
	assert.Contains(t, detail, "exit code: -1")

	input, err := f.store.StagedInput(job.TaskID)
	require.NoError(t, err, "staging entry should be left in place")
	assert.Equal(t, job.InputPath, input)

	runs, err := f.db.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, sqlite.OutcomeError, runs[0].Outcome)
}

func TestExecute_PanicRecordsError(t *testing.T) {
	runner := engine.NewMockRunner()
	runner.Hook = func(engine.Invocation) error { panic("tool wrapper exploded") }
	f := newFixture(t, runner)
	job := f.stage(t, "C#N\n")

	require.Error(t, f.w.Execute(context.Background(), job))

	detail, err := f.store.ReadError(job.TaskID)
	require.NoError(t, err)
	assert.Contains(t, detail, "tool wrapper exploded")
}

func TestExecute_MissingInputRecordsError(t *testing.T) {
	f := newFixture(t, engine.NewMockRunner())
	job := f.stage(t, "CC\n")
	require.NoError(t, os.Remove(job.InputPath))

	require.Error(t, f.w.Execute(context.Background(), job))
	assert.Equal(t, taskstore.KindError, f.kind(t, job.TaskID))
	assert.Empty(t, f.runner.Calls())
}

func TestExecute_CancelledLeavesTaskStaged(t *testing.T) {
	runner := engine.NewMockRunner("QP.out")
	runner.Delay = time.Minute
	f := newFixture(t, runner)
	job := f.stage(t, "CCCC\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := f.w.Execute(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, taskstore.KindStaged, f.kind(t, job.TaskID))

	runs, err := f.db.RecentRuns(5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecute_FallsBackToStagedInput(t *testing.T) {
	f := newFixture(t, engine.NewMockRunner("QP.out"))
	job := f.stage(t, "CO\n")
	job.InputPath = ""

	require.NoError(t, f.w.Execute(context.Background(), job))
	assert.Equal(t, taskstore.KindResult, f.kind(t, job.TaskID))
}

func TestFormatFailure(t *testing.T) {
	plain := FormatFailure("r1", errors.New("disk full"))
	assert.Equal(t, "run r1 failed: disk full\n", plain)

	rich := FormatFailure("r2", &runFailure{err: errors.New("run tool: killed"), exitCode: 137, stderr: "oom"})
	assert.Equal(t, "run r2 failed: run tool: killed\nexit code: 137\n--- stderr (tail) ---\noom\n", rich)
}
