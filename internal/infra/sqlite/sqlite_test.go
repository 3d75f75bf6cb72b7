package sqlite

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/propserve/propserve/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testJob(id string, at time.Time) domain.Job {
	return domain.Job{
		TaskID:     domain.TaskID(id),
		InputPath:  "/inbound/" + id + "/mol.sdf",
		Options:    domain.TaskOptions{Fast: true, Similar: 3, Extra: map[string]string{"k": "v"}},
		EnqueuedAt: at,
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, FileName)); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
	if db.Path() != filepath.Join(dir, FileName) {
		t.Errorf("Path() = %q", db.Path())
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	db := newTestDB(t)

	var mode string
	if err := db.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout int
	if err := db.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		db, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() #%d error: %v", i, err)
		}
		if err := db.Ping(); err != nil {
			t.Fatalf("Ping() error: %v", err)
		}
		db.Close()
	}
}

// ─── Job Journal ────────────────────────────────────────────────────────────

func TestRecordJob_InsertOrIgnore(t *testing.T) {
	db := newTestDB(t)
	job := testJob("aaaa", time.Now())

	inserted, err := db.RecordJob(job)
	if err != nil || !inserted {
		t.Fatalf("RecordJob() = %v, %v; want true, nil", inserted, err)
	}

	job.InputPath = "/somewhere/else"
	inserted, err = db.RecordJob(job)
	if err != nil || inserted {
		t.Fatalf("second RecordJob() = %v, %v; want false, nil", inserted, err)
	}

	jobs, err := db.PendingJobs()
	if err != nil {
		t.Fatalf("PendingJobs() error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	if jobs[0].InputPath != "/inbound/aaaa/mol.sdf" {
		t.Errorf("InputPath = %q, the first record must win", jobs[0].InputPath)
	}
	if !jobs[0].Options.Fast || jobs[0].Options.Similar != 3 || jobs[0].Options.Extra["k"] != "v" {
		t.Errorf("Options not round-tripped: %+v", jobs[0].Options)
	}
}

func TestPendingJobs_OldestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Now()
	for i, id := range []string{"cccc", "aaaa", "bbbb"} {
		if _, err := db.RecordJob(testJob(id, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := db.PendingJobs()
	if err != nil {
		t.Fatal(err)
	}
	got := []domain.TaskID{jobs[0].TaskID, jobs[1].TaskID, jobs[2].TaskID}
	want := []domain.TaskID{"cccc", "aaaa", "bbbb"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestCompleteJob_AndAttempts(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.RecordJob(testJob("aaaa", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkAttempt("aaaa"); err != nil {
		t.Fatal(err)
	}
	jobs, _ := db.PendingJobs()
	if jobs[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", jobs[0].Attempts)
	}

	if err := db.CompleteJob("aaaa"); err != nil {
		t.Fatal(err)
	}
	if err := db.CompleteJob("unknown"); err != nil {
		t.Errorf("CompleteJob(unknown) error: %v", err)
	}
	jobs, _ = db.PendingJobs()
	if len(jobs) != 0 {
		t.Errorf("len(jobs) = %d after completion, want 0", len(jobs))
	}
}

// ─── Run History ────────────────────────────────────────────────────────────

func TestRecentRuns(t *testing.T) {
	db := newTestDB(t)
	base := time.Now()
	for i := 0; i < 3; i++ {
		err := db.InsertRun(RunRecord{
			RunID:      string(rune('a' + i)),
			TaskID:     "aaaa",
			Runner:     "mock",
			StartedAt:  base,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
			Outcome:    OutcomeReady,
			InputBytes: 100,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	runs, err := db.RecentRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].RunID != "c" || runs[1].RunID != "b" {
		t.Errorf("runs = %s,%s; want newest first", runs[0].RunID, runs[1].RunID)
	}
}

// ─── Run Timings ────────────────────────────────────────────────────────────

func TestRecordTiming_RunningAverage(t *testing.T) {
	db := newTestDB(t)

	if tm, err := db.TimingFor(DefaultTrackingName); err != nil || tm != nil {
		t.Fatalf("TimingFor() on empty db = %v, %v", tm, err)
	}

	// 10s for 2 kB → 5 s/kB; 3s for 1 kB → 3 s/kB; average 4 s/kB.
	if err := db.RecordTiming(DefaultTrackingName, 10*time.Second, 2048); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordTiming(DefaultTrackingName, 3*time.Second, 1024); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordTiming(DefaultTrackingName, time.Hour, 0); err != nil {
		t.Fatal(err)
	}

	tm, err := db.TimingFor(DefaultTrackingName)
	if err != nil {
		t.Fatal(err)
	}
	if tm.TotalOps != 2 {
		t.Errorf("TotalOps = %d, want 2", tm.TotalOps)
	}
	if math.Abs(tm.TimePerKB-4) > 1e-9 {
		t.Errorf("TimePerKB = %v, want 4", tm.TimePerKB)
	}

	est := Estimator{DB: db, Name: DefaultTrackingName}
	secs, ok := est.EstimateSeconds(512)
	if !ok || math.Abs(secs-2) > 1e-9 {
		t.Errorf("EstimateSeconds(512) = %v, %v; want 2, true", secs, ok)
	}

	if _, ok := (Estimator{DB: db, Name: "other"}).EstimateSeconds(512); ok {
		t.Error("unknown tracking name must not produce an estimate")
	}
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo(t *testing.T) {
	db := newTestDB(t)
	if v, err := db.GetNodeInfo("missing"); err != nil || v != "" {
		t.Fatalf("GetNodeInfo(missing) = %q, %v", v, err)
	}
	if err := db.SetNodeInfo("version", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetNodeInfo("version", "1.1.0"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetNodeInfo("version"); v != "1.1.0" {
		t.Errorf("GetNodeInfo(version) = %q, want 1.1.0", v)
	}
}
