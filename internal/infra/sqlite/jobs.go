package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/propserve/propserve/internal/domain"
)

// ─── Job Journal ────────────────────────────────────────────────────────────

// RecordJob journals an accepted job. A job already journaled for the same
// task is left untouched and false is returned.
func (d *DB) RecordJob(job domain.Job) (bool, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return false, fmt.Errorf("encode options: %w", err)
	}
	enqueued := job.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now()
	}
	result, err := d.db.Exec(
		`INSERT INTO jobs (task_id, input_path, options, enqueued_at, attempts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		string(job.TaskID), job.InputPath, string(opts), enqueued.UnixMilli(), job.Attempts,
	)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// MarkAttempt bumps the attempt counter of a journaled job.
func (d *DB) MarkAttempt(id domain.TaskID) error {
	_, err := d.db.Exec(`UPDATE jobs SET attempts = attempts + 1 WHERE task_id = ?`, string(id))
	return err
}

// CompleteJob removes a job from the journal. Unknown ids are ignored.
func (d *DB) CompleteJob(id domain.TaskID) error {
	_, err := d.db.Exec(`DELETE FROM jobs WHERE task_id = ?`, string(id))
	return err
}

// PendingJobs returns every journaled job, oldest first.
func (d *DB) PendingJobs() ([]domain.Job, error) {
	rows, err := d.db.Query(
		`SELECT task_id, input_path, options, enqueued_at, attempts
		 FROM jobs ORDER BY enqueued_at ASC, task_id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		j        domain.Job
		id, opts string
		enqueued int64
	)
	if err := s.Scan(&id, &j.InputPath, &opts, &enqueued, &j.Attempts); err != nil {
		return domain.Job{}, err
	}
	j.TaskID = domain.TaskID(id)
	j.EnqueuedAt = fromUnixMilli(enqueued)
	j.Options = domain.DefaultOptions()
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return domain.Job{}, fmt.Errorf("decode options for %s: %w", j.TaskID.Short(), err)
	}
	return j, nil
}

// ─── Run History ────────────────────────────────────────────────────────────

// Run outcomes stored in the runs table.
const (
	OutcomeReady = "ready"
	OutcomeError = "error"
)

// RunRecord is one finished execution of the tool.
type RunRecord struct {
	RunID      string        `json:"run_id"`
	TaskID     domain.TaskID `json:"task_id"`
	Runner     string        `json:"runner"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	ExitCode   int           `json:"exit_code"`
	Outcome    string        `json:"outcome"`
	InputBytes int64         `json:"input_bytes"`
}

// InsertRun stores a finished run.
func (d *DB) InsertRun(r RunRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO runs (run_id, task_id, runner, started_at, finished_at, exit_code, outcome, input_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, string(r.TaskID), r.Runner, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.ExitCode, r.Outcome, r.InputBytes,
	)
	return err
}

// RecentRuns returns up to limit runs, newest first.
func (d *DB) RecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.db.Query(
		`SELECT run_id, task_id, runner, started_at, finished_at, exit_code, outcome, input_bytes
		 FROM runs ORDER BY finished_at DESC, run_id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r               RunRecord
			id              string
			started, finish int64
		)
		if err := rows.Scan(&r.RunID, &id, &r.Runner, &started, &finish, &r.ExitCode, &r.Outcome, &r.InputBytes); err != nil {
			return nil, err
		}
		r.TaskID = domain.TaskID(id)
		r.StartedAt = fromUnixMilli(started)
		r.FinishedAt = fromUnixMilli(finish)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
