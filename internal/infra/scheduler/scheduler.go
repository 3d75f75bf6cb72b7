// Package scheduler is the in-process worker queue that runs accepted jobs
// asynchronously.
//
// Core concepts:
//   - Bounded queue: Enqueue never blocks; a full queue rejects with
//     domain.ErrQueueFull so the submitter can roll back.
//   - Concurrency limit: a weighted semaphore caps how many jobs run at once.
//   - De-duplication: a task already queued or running is not queued again.
//   - Journal: accepted jobs are written to a durable journal and replayed on
//     start, giving at-least-once delivery across crashes.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/propserve/propserve/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the worker queue.
type Config struct {
	Concurrency int64 // jobs running at once (default 2)
	QueueDepth  int   // jobs waiting before back-pressure rejects (default 1_000)
}

// DefaultConfig returns production queue defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		QueueDepth:  1_000,
	}
}

// ─── Back-Pressure Levels ───────────────────────────────────────────────────

// BackPressureLevel indicates load severity.
type BackPressureLevel int

const (
	BPNone BackPressureLevel = iota // accepting
	BPSoft                          // at least 80% full, still accepting
	BPHard                          // full, rejecting
)

// String returns a human-readable back-pressure level.
func (bp BackPressureLevel) String() string {
	switch bp {
	case BPNone:
		return "NONE"
	case BPSoft:
		return "SOFT"
	case BPHard:
		return "HARD"
	default:
		return "UNKNOWN"
	}
}

// ─── Journal ────────────────────────────────────────────────────────────────

// Journal persists accepted jobs until they finish.
type Journal interface {
	RecordJob(job domain.Job) (bool, error)
	MarkAttempt(id domain.TaskID) error
	CompleteJob(id domain.TaskID) error
	PendingJobs() ([]domain.Job, error)
}

// Handler executes one job. The context is cancelled when the queue shuts
// down; a handler that returns ctx.Err() leaves the job journaled so it is
// delivered again on the next start.
type Handler func(ctx context.Context, job domain.Job) error

// ─── Queue ──────────────────────────────────────────────────────────────────

// JobState is where a tracked job currently is.
type JobState string

const (
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
)

// JobInfo describes one queued or running job.
type JobInfo struct {
	TaskID     domain.TaskID `json:"task_id"`
	State      JobState      `json:"state"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	Attempts   int           `json:"attempts"`
}

// Queue runs jobs on a bounded pool of goroutines.
type Queue struct {
	config  Config
	journal Journal
	log     zerolog.Logger

	pending chan domain.Job
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	tracked map[domain.TaskID]*JobInfo
	closed  bool

	// Stats
	totalEnqueued    atomic.Int64
	totalCompleted   atomic.Int64
	totalFailed      atomic.Int64
	totalRejected    atomic.Int64
	totalDeduped     atomic.Int64
	totalRedelivered atomic.Int64
}

// NewQueue creates a queue. journal may be nil for a purely in-memory queue.
func NewQueue(cfg Config, journal Journal, logger zerolog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	return &Queue{
		config:  cfg,
		journal: journal,
		log:     logger.With().Str("component", "scheduler").Logger(),
		pending: make(chan domain.Job, cfg.QueueDepth),
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		tracked: make(map[domain.TaskID]*JobInfo),
	}
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

// Enqueue journals job and queues it for execution. A task that is already
// queued or running is accepted without being queued twice.
func (q *Queue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.totalRejected.Add(1)
		return domain.ErrQueueClosed
	}
	if _, dup := q.tracked[job.TaskID]; dup {
		q.totalDeduped.Add(1)
		return nil
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	if q.journal != nil {
		if _, err := q.journal.RecordJob(job); err != nil {
			return fmt.Errorf("journal job: %w", err)
		}
	}

	select {
	case q.pending <- job:
	default:
		q.totalRejected.Add(1)
		if q.journal != nil {
			if err := q.journal.CompleteJob(job.TaskID); err != nil {
				q.log.Error().Err(err).Str("task_id", job.TaskID.String()).Msg("drop rejected job from journal")
			}
		}
		return domain.ErrQueueFull
	}

	q.tracked[job.TaskID] = &JobInfo{
		TaskID:     job.TaskID,
		State:      StateQueued,
		EnqueuedAt: job.EnqueuedAt,
		Attempts:   job.Attempts,
	}
	q.totalEnqueued.Add(1)

	if q.backPressureLocked() == BPSoft {
		q.log.Warn().Int("depth", len(q.pending)).Int("capacity", q.config.QueueDepth).Msg("queue nearly full")
	}
	return nil
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run replays the journal and then executes jobs until ctx is cancelled. It
// waits for running jobs to return before it does.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	q.log.Info().Int64("concurrency", q.config.Concurrency).Int("depth", q.config.QueueDepth).Msg("starting worker queue")

	replay, err := q.replayable()
	if err != nil {
		return err
	}
	if len(replay) > 0 {
		q.log.Info().Int("jobs", len(replay)).Msg("redelivering journaled jobs")
		go q.redeliver(ctx, replay)
	}

	for {
		select {
		case <-ctx.Done():
			q.shutdown()
			return nil
		case job := <-q.pending:
			if err := q.sem.Acquire(ctx, 1); err != nil {
				q.shutdown()
				return nil
			}
			q.wg.Add(1)
			go q.execute(ctx, job, handler)
		}
	}
}

// replayable loads journaled jobs and marks them tracked so a concurrent
// resubmission is de-duplicated.
func (q *Queue) replayable() ([]domain.Job, error) {
	if q.journal == nil {
		return nil, nil
	}
	jobs, err := q.journal.PendingJobs()
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	out := jobs[:0]
	for _, j := range jobs {
		if _, dup := q.tracked[j.TaskID]; dup {
			continue
		}
		q.tracked[j.TaskID] = &JobInfo{TaskID: j.TaskID, State: StateQueued, EnqueuedAt: j.EnqueuedAt, Attempts: j.Attempts}
		out = append(out, j)
	}
	return out, nil
}

func (q *Queue) redeliver(ctx context.Context, jobs []domain.Job) {
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			return
		case q.pending <- j:
			q.totalRedelivered.Add(1)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job domain.Job, handler Handler) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	q.mu.Lock()
	if info := q.tracked[job.TaskID]; info != nil {
		info.State = StateRunning
		info.StartedAt = time.Now().UTC()
		info.Attempts++
	}
	q.mu.Unlock()

	if q.journal != nil {
		if err := q.journal.MarkAttempt(job.TaskID); err != nil {
			q.log.Warn().Err(err).Str("task_id", job.TaskID.String()).Msg("mark attempt")
		}
	}

	err := safeHandle(ctx, job, handler)

	// Untrack only after the journal is settled, so a resubmission cannot
	// slip in between and have its journal row deleted.
	defer func() {
		q.mu.Lock()
		delete(q.tracked, job.TaskID)
		q.mu.Unlock()
	}()

	if err != nil && ctx.Err() != nil {
		// Interrupted by shutdown: keep it journaled for the next start.
		q.log.Info().Str("task_id", job.TaskID.String()).Msg("job interrupted by shutdown")
		return
	}
	if err != nil {
		q.totalFailed.Add(1)
		q.log.Error().Err(err).Str("task_id", job.TaskID.String()).Msg("job failed")
	} else {
		q.totalCompleted.Add(1)
	}
	if q.journal != nil {
		if jerr := q.journal.CompleteJob(job.TaskID); jerr != nil {
			q.log.Error().Err(jerr).Str("task_id", job.TaskID.String()).Msg("complete job in journal")
		}
	}
}

func safeHandle(ctx context.Context, job domain.Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.log.Info().Msg("worker queue stopped")
}

// ─── Stats & Inspection ─────────────────────────────────────────────────────

// Stats is a snapshot of queue counters.
type Stats struct {
	QueueDepth       int               `json:"queue_depth"`
	Capacity         int               `json:"capacity"`
	Running          int               `json:"running"`
	BackPressure     BackPressureLevel `json:"back_pressure"`
	TotalEnqueued    int64             `json:"total_enqueued"`
	TotalCompleted   int64             `json:"total_completed"`
	TotalFailed      int64             `json:"total_failed"`
	TotalRejected    int64             `json:"total_rejected"`
	TotalDeduped     int64             `json:"total_deduped"`
	TotalRedelivered int64             `json:"total_redelivered"`
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	running := 0
	for _, info := range q.tracked {
		if info.State == StateRunning {
			running++
		}
	}
	bp := q.backPressureLocked()
	q.mu.Unlock()

	return Stats{
		QueueDepth:       len(q.pending),
		Capacity:         q.config.QueueDepth,
		Running:          running,
		BackPressure:     bp,
		TotalEnqueued:    q.totalEnqueued.Load(),
		TotalCompleted:   q.totalCompleted.Load(),
		TotalFailed:      q.totalFailed.Load(),
		TotalRejected:    q.totalRejected.Load(),
		TotalDeduped:     q.totalDeduped.Load(),
		TotalRedelivered: q.totalRedelivered.Load(),
	}
}

// Jobs lists tracked jobs: running first, then queued, oldest first.
func (q *Queue) Jobs() []JobInfo {
	q.mu.Lock()
	out := make([]JobInfo, 0, len(q.tracked))
	for _, info := range q.tracked {
		out = append(out, *info)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State == StateRunning
		}
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (q *Queue) backPressureLocked() BackPressureLevel {
	depth := len(q.pending)
	switch {
	case depth >= q.config.QueueDepth:
		return BPHard
	case depth*5 >= q.config.QueueDepth*4:
		return BPSoft
	default:
		return BPNone
	}
}
