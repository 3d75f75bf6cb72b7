package sqlite

import (
	"database/sql"
	"time"
)

// DefaultTrackingName keys the timing average when callers do not choose one.
const DefaultTrackingName = "LiveDefault"

// ─── Run Timings ────────────────────────────────────────────────────────────

// Timing is the running average of tool time per kB of input.
type Timing struct {
	Name      string
	TimePerKB float64 // seconds
	TotalOps  int64
	UpdatedAt time.Time
}

// RecordTiming folds one measurement into the running average for name.
// Empty inputs carry no per-kB information and are skipped.
func (d *DB) RecordTiming(name string, elapsed time.Duration, sizeBytes int64) error {
	if sizeBytes <= 0 {
		return nil
	}
	sample := elapsed.Seconds() / (float64(sizeBytes) / 1024)

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		avg float64
		ops int64
	)
	err = tx.QueryRow(`SELECT time_per_kb, total_ops FROM run_timings WHERE tracking_name = ?`, name).Scan(&avg, &ops)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	avg = (avg*float64(ops) + sample) / float64(ops+1)
	_, err = tx.Exec(
		`INSERT INTO run_timings (tracking_name, time_per_kb, total_ops, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(tracking_name) DO UPDATE SET
		   time_per_kb=excluded.time_per_kb, total_ops=excluded.total_ops, updated_at=excluded.updated_at`,
		name, avg, ops+1, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// TimingFor returns the current average for name, or nil if nothing has
// been measured yet.
func (d *DB) TimingFor(name string) (*Timing, error) {
	t := Timing{Name: name}
	var updated int64
	err := d.db.QueryRow(
		`SELECT time_per_kb, total_ops, updated_at FROM run_timings WHERE tracking_name = ?`, name,
	).Scan(&t.TimePerKB, &t.TotalOps, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = fromUnixMilli(updated)
	return &t, nil
}

// Estimator predicts run time from input size using the stored average.
type Estimator struct {
	DB   *DB
	Name string
}

// EstimateSeconds returns the predicted seconds for an input of sizeBytes.
func (e Estimator) EstimateSeconds(sizeBytes int64) (float64, bool) {
	t, err := e.DB.TimingFor(e.Name)
	if err != nil || t == nil || t.TotalOps == 0 {
		return 0, false
	}
	return t.TimePerKB * float64(sizeBytes) / 1024, true
}
