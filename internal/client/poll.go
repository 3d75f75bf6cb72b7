package client

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/propserve/propserve/internal/domain"
)

// Poll defaults.
const (
	DefaultInterval  = 5 * time.Second
	DefaultMaxRounds = 100
	ResultSuffix     = ".qpout.tar.gz"
	ErrorSuffix      = ".err"
)

// PollConfig controls Run.
type PollConfig struct {
	Interval  time.Duration
	MaxRounds int
	// OnRound, if set, is called after every polling round.
	OnRound func(Round)
}

// Round summarizes one pass over the outstanding tasks.
type Round struct {
	N           int
	Finished    int // resolved so far, across all rounds
	Outstanding int
	Total       int
}

// Request pairs an input file with where its result should go.
type Request struct {
	Input  string
	Output string // "" = DefaultOutputPath(Input)
}

// Outcome is what happened to one Request.
type Outcome struct {
	Input    string
	Output   string // bundle path when ready, error file path on error
	TaskID   domain.TaskID
	Code     domain.StatusCode
	Bytes    int64
	Resolved bool  // reached a terminal code and was written out
	Err      error // submission was rejected or the result could not be saved
}

// DefaultOutputPath is "<dir>/<stem>.qpout.tar.gz" for input "<dir>/<stem>.<ext>".
func DefaultOutputPath(input string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(input), stem+ResultSuffix)
}

// Run submits every request, then polls the outstanding tasks until each
// one is ready or errored or MaxRounds is reached. Running out of rounds is
// not an error; those outcomes come back with Resolved unset. A transport
// failure or a cancelled context stops the run and returns the outcomes
// gathered so far together with the error.
func (c *Client) Run(ctx context.Context, reqs []Request, opts domain.TaskOptions, cfg PollConfig) ([]Outcome, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}

	outcomes := make([]Outcome, len(reqs))
	outstanding := make(map[domain.TaskID][]int)

	for i, req := range reqs {
		out := req.Output
		if out == "" {
			out = DefaultOutputPath(req.Input)
		}
		outcomes[i] = Outcome{Input: req.Input, Output: out}

		rec, err := c.Submit(ctx, req.Input, opts)
		if err != nil {
			if fatal(err) {
				return outcomes, err
			}
			outcomes[i].Err = err
			outcomes[i].Resolved = true
			continue
		}
		outcomes[i].TaskID = rec.ID
		outcomes[i].Code = rec.Code
		outstanding[rec.ID] = append(outstanding[rec.ID], i)
	}

	finished := 0
	for _, o := range outcomes {
		if o.Resolved {
			finished++
		}
	}

	for round := 1; len(outstanding) > 0; round++ {
		for _, id := range sortedIDs(outstanding) {
			rec, err := c.Status(ctx, id)
			if err != nil {
				return outcomes, err
			}
			for _, i := range outstanding[id] {
				outcomes[i].Code = rec.Code
			}
			if !rec.Code.IsTerminal() {
				continue
			}
			for _, i := range outstanding[id] {
				if err := c.collect(ctx, &outcomes[i], rec); err != nil && fatal(err) {
					return outcomes, err
				}
				finished++
			}
			delete(outstanding, id)
		}

		if cfg.OnRound != nil {
			cfg.OnRound(Round{N: round, Finished: finished, Outstanding: len(outstanding), Total: len(reqs)})
		}
		if len(outstanding) == 0 || round >= cfg.MaxRounds {
			break
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return outcomes, ctx.Err()
		case <-timer.C:
		}
	}
	return outcomes, nil
}

// collect writes the terminal result for one outcome: the bundle when ready,
// the status record as JSON next to the output when the run failed.
func (c *Client) collect(ctx context.Context, o *Outcome, rec domain.TaskRecord) error {
	o.Resolved = true
	if rec.Code == domain.StatusReady {
		res, err := c.Fetch(ctx, rec.ID, o.Output)
		if err != nil {
			o.Err = err
			return err
		}
		if res.Record == nil {
			o.Bytes = res.Bytes
			return nil
		}
		// Cleared or changed since the status check; report what we got.
		o.Code = res.Code
		rec = *res.Record
	}

	o.Output = o.Output + ErrorSuffix
	data, err := json.MarshalIndent(rec, "", "  ")
	if err == nil {
		err = os.WriteFile(o.Output, append(data, '\n'), 0o644)
	}
	o.Err = err
	return err
}

// fatal is true for errors that make further requests pointless.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrServerUnreachable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sortedIDs(m map[domain.TaskID][]int) []domain.TaskID {
	ids := make([]domain.TaskID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
