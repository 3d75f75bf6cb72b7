package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/infra/sqlite"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLayout(t *testing.T) taskstore.Layout {
	t.Helper()
	root := t.TempDir()
	l := taskstore.Layout{
		InboundRoot: filepath.Join(root, "inbound"),
		ServeRoot:   filepath.Join(root, "serve"),
	}
	for _, d := range []string{l.InboundRoot, l.ServeRoot} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

type downPinger struct{}

func (downPinger) Ping() error { return errors.New("database is locked") }

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestLayout(t), nil, 0, zerolog.Nop())
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
	if c.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", c.interval, DefaultInterval)
	}

	withTool := NewChecker(newTestDB(t), newTestLayout(t), func(context.Context) error { return nil }, 0, zerolog.Nop())
	if len(withTool.checks) != 4 {
		t.Errorf("checks with tool = %d, want 4", len(withTool.checks))
	}
}

func TestChecker_RunOnceHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestLayout(t), nil, 0, zerolog.Nop())
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestLayout(t), nil, 0, zerolog.Nop())
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_RecreatesMissingRoot(t *testing.T) {
	layout := newTestLayout(t)
	if err := os.RemoveAll(layout.ServeRoot); err != nil {
		t.Fatal(err)
	}

	c := NewChecker(newTestDB(t), layout, nil, 0, zerolog.Nop())
	c.RunOnce(context.Background())

	var serve Status
	for _, s := range c.Statuses() {
		if s.Name == "serve_root" {
			serve = s
		}
	}
	if !serve.Healthy || !serve.Recovered {
		t.Errorf("serve_root = %+v, want healthy after recovery", serve)
	}
	if info, err := os.Stat(layout.ServeRoot); err != nil || !info.IsDir() {
		t.Errorf("serve root was not recreated: %v", err)
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	c := NewChecker(downPinger{}, newTestLayout(t), nil, 0, zerolog.Nop())
	c.RunOnce(context.Background())

	if c.IsHealthy() {
		t.Error("IsHealthy() should be false when the db is down")
	}
	s := c.Statuses()[0]
	if s.Name != "sqlite" || s.Healthy || s.Error != "database is locked" {
		t.Errorf("sqlite status = %+v", s)
	}
}

func TestChecker_ToolCheck(t *testing.T) {
	toolErr := errors.New("tool not found")
	c := NewChecker(newTestDB(t), newTestLayout(t), func(context.Context) error { return toolErr }, 0, zerolog.Nop())
	c.RunOnce(context.Background())

	statuses := c.Statuses()
	last := statuses[len(statuses)-1]
	if last.Name != "tool" || last.Healthy {
		t.Errorf("tool status = %+v, want unhealthy", last)
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestLayout(t), nil, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if len(c.Statuses()) != 3 {
		t.Error("Run should check once before waiting")
	}
}

// ─── Check Implementation Tests ─────────────────────────────────────────────

func TestCheckWritable_NotDirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	os.WriteFile(f, []byte("x"), 0o644)
	if err := checkWritable(f); err == nil {
		t.Error("checkWritable() should fail for a regular file")
	}
}

func TestCheckWritable_LeavesNothingBehind(t *testing.T) {
	dir := t.TempDir()
	if err := checkWritable(dir); err != nil {
		t.Fatalf("checkWritable() error: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}
