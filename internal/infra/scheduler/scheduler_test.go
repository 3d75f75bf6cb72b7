package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/domain"
)

// ═══════════════════════════════════════════════════════════════════════════
// Worker Queue Tests
// ═══════════════════════════════════════════════════════════════════════════

// memJournal is an in-memory Journal.
type memJournal struct {
	mu   sync.Mutex
	jobs map[domain.TaskID]domain.Job
}

func newMemJournal(jobs ...domain.Job) *memJournal {
	j := &memJournal{jobs: make(map[domain.TaskID]domain.Job)}
	for _, job := range jobs {
		j.jobs[job.TaskID] = job
	}
	return j
}

func (j *memJournal) RecordJob(job domain.Job) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.jobs[job.TaskID]; ok {
		return false, nil
	}
	j.jobs[job.TaskID] = job
	return true, nil
}

func (j *memJournal) MarkAttempt(id domain.TaskID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if job, ok := j.jobs[id]; ok {
		job.Attempts++
		j.jobs[id] = job
	}
	return nil
}

func (j *memJournal) CompleteJob(id domain.TaskID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.jobs, id)
	return nil
}

func (j *memJournal) PendingJobs() ([]domain.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (j *memJournal) has(id domain.TaskID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.jobs[id]
	return ok
}

func job(n int) domain.Job {
	return domain.Job{TaskID: domain.TaskID(fmt.Sprintf("task-%02d", n)), InputPath: "/in"}
}

// startQueue runs q in the background and returns a stop function that
// cancels it and waits for Run to return.
func startQueue(t *testing.T, q *Queue, h Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Run(ctx, h); err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Back-Pressure Levels ───────────────────────────────────────────────────

func TestBackPressureLevel_String(t *testing.T) {
	tests := []struct {
		in   BackPressureLevel
		want string
	}{
		{BPNone, "NONE"},
		{BPSoft, "SOFT"},
		{BPHard, "HARD"},
		{BackPressureLevel(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

func TestEnqueue_RunsAndCompletes(t *testing.T) {
	j := newMemJournal()
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 4}, j, zerolog.Nop())

	var ran atomic.Int32
	startQueue(t, q, func(ctx context.Context, job domain.Job) error {
		ran.Add(1)
		return nil
	})

	if err := q.Enqueue(context.Background(), job(1)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	waitFor(t, "completion", func() bool { return q.Stats().TotalCompleted == 1 })

	if ran.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", ran.Load())
	}
	if j.has(job(1).TaskID) {
		t.Error("completed job must leave the journal")
	}
	if len(q.Jobs()) != 0 {
		t.Errorf("Jobs() = %v, want empty", q.Jobs())
	}
}

func TestEnqueue_DeduplicatesTrackedTask(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 4}, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(context.Background(), job(1)); err != nil {
			t.Fatalf("Enqueue() #%d error: %v", i, err)
		}
	}
	st := q.Stats()
	if st.QueueDepth != 1 || st.TotalDeduped != 2 {
		t.Errorf("depth=%d deduped=%d, want 1 and 2", st.QueueDepth, st.TotalDeduped)
	}
}

func TestEnqueue_FullQueueRejects(t *testing.T) {
	j := newMemJournal()
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 1}, j, zerolog.Nop())

	if err := q.Enqueue(context.Background(), job(1)); err != nil {
		t.Fatal(err)
	}
	if q.Stats().BackPressure != BPHard {
		t.Errorf("BackPressure = %v, want HARD", q.Stats().BackPressure)
	}
	err := q.Enqueue(context.Background(), job(2))
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("Enqueue() on full queue = %v, want ErrQueueFull", err)
	}
	if j.has(job(2).TaskID) {
		t.Error("rejected job must not stay journaled")
	}
	if q.Stats().TotalRejected != 1 {
		t.Errorf("TotalRejected = %d, want 1", q.Stats().TotalRejected)
	}
}

func TestEnqueue_AfterShutdown(t *testing.T) {
	q := NewQueue(DefaultConfig(), nil, zerolog.Nop())
	stop := startQueue(t, q, func(context.Context, domain.Job) error { return nil })
	stop()

	if err := q.Enqueue(context.Background(), job(1)); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("Enqueue() after shutdown = %v, want ErrQueueClosed", err)
	}
}

// ─── Run ────────────────────────────────────────────────────────────────────

func TestRun_RespectsConcurrency(t *testing.T) {
	q := NewQueue(Config{Concurrency: 2, QueueDepth: 16}, nil, zerolog.Nop())

	var cur, peak atomic.Int32
	startQueue(t, q, func(ctx context.Context, job domain.Job) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	})

	for i := 0; i < 8; i++ {
		if err := q.Enqueue(context.Background(), job(i)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "all jobs", func() bool { return q.Stats().TotalCompleted == 8 })

	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRun_RedeliversJournal(t *testing.T) {
	j := newMemJournal(job(1), job(2))
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 1}, j, zerolog.Nop())

	var seen sync.Map
	startQueue(t, q, func(ctx context.Context, job domain.Job) error {
		seen.Store(job.TaskID, true)
		return nil
	})
	waitFor(t, "redelivery", func() bool { return q.Stats().TotalCompleted == 2 })

	for _, id := range []domain.TaskID{job(1).TaskID, job(2).TaskID} {
		if _, ok := seen.Load(id); !ok {
			t.Errorf("%s was not redelivered", id)
		}
	}
	if q.Stats().TotalRedelivered != 2 {
		t.Errorf("TotalRedelivered = %d, want 2", q.Stats().TotalRedelivered)
	}
}

func TestRun_ShutdownKeepsInterruptedJob(t *testing.T) {
	j := newMemJournal()
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 4}, j, zerolog.Nop())

	started := make(chan struct{})
	stop := startQueue(t, q, func(ctx context.Context, job domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	if err := q.Enqueue(context.Background(), job(1)); err != nil {
		t.Fatal(err)
	}
	<-started
	if got := q.Jobs(); len(got) != 1 || got[0].State != StateRunning {
		t.Errorf("Jobs() = %+v, want one running job", got)
	}
	stop()

	if !j.has(job(1).TaskID) {
		t.Error("interrupted job must stay journaled for redelivery")
	}
}

func TestRun_HandlerPanicIsContained(t *testing.T) {
	j := newMemJournal()
	q := NewQueue(Config{Concurrency: 1, QueueDepth: 4}, j, zerolog.Nop())
	startQueue(t, q, func(ctx context.Context, job domain.Job) error {
		if job.TaskID == "task-01" {
			panic("tool wrapper exploded")
		}
		return nil
	})

	q.Enqueue(context.Background(), job(1))
	q.Enqueue(context.Background(), job(2))
	waitFor(t, "both jobs", func() bool {
		st := q.Stats()
		return st.TotalFailed == 1 && st.TotalCompleted == 1
	})
	if j.has(job(1).TaskID) {
		t.Error("failed job must leave the journal")
	}
}
