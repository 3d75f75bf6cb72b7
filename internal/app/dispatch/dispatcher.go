// Package dispatch decides, for each submission, whether the work already
// exists or must be staged and queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/checksum"
)

// MsgCreated is the message of a freshly accepted task.
const MsgCreated = "Task accepted and queued for processing"

// Queue hands jobs to the asynchronous workers.
type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) error
}

// Store is the subset of the task store the dispatcher mutates.
type Store interface {
	IncomingDir() string
	StageFile(id domain.TaskID, filename, srcPath string) (string, bool, error)
	Unstage(id domain.TaskID) error
}

// Statuses reports the current record for a task.
type Statuses interface {
	StatusFor(id domain.TaskID) (domain.TaskRecord, error)
}

// Submission is one upload. ClaimedID may be empty, in which case the
// identifier is whatever the content hashes to.
type Submission struct {
	ClaimedID domain.TaskID
	Filename  string
	Body      io.Reader
	Options   domain.TaskOptions
}

// Dispatcher accepts submissions.
type Dispatcher struct {
	store     Store
	statuses  Statuses
	queue     Queue
	chunkSize int
	log       zerolog.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store Store, statuses Statuses, queue Queue, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		statuses:  statuses,
		queue:     queue,
		chunkSize: checksum.DefaultChunkSize,
		log:       logger.With().Str("component", "dispatch").Logger(),
		now:       time.Now,
	}
}

// Submit verifies the upload, then either reports the existing status of the
// task or stages the input and queues exactly one job for it.
//
// A checksum mismatch returns a record with code unmatched together with a
// *domain.MismatchError; nothing is staged in that case. If the queue
// refuses the job the staging entry is rolled back and the queue's error is
// returned.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (domain.TaskRecord, error) {
	if sub.Body == nil {
		return domain.TaskRecord{}, fmt.Errorf("%w: submission has no content", domain.ErrInvalidInput)
	}
	if sub.ClaimedID != "" && !domain.ValidTaskID(string(sub.ClaimedID)) {
		return domain.TaskRecord{}, fmt.Errorf("%w: malformed task id %q", domain.ErrInvalidInput, sub.ClaimedID)
	}
	if err := sub.Options.Validate(); err != nil {
		return domain.TaskRecord{}, err
	}

	spool, err := d.spool(sub.Body)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	// StageFile consumes the spool on success; this covers every other path.
	defer os.Remove(spool.path)

	id := spool.id
	if sub.ClaimedID != "" && sub.ClaimedID != id {
		mismatch := &domain.MismatchError{Claimed: sub.ClaimedID, Computed: id}
		d.log.Warn().Str("task_id", sub.ClaimedID.String()).Str("computed", id.String()).Msg("checksum mismatch")
		return domain.TaskRecord{
			ID:      sub.ClaimedID,
			Code:    domain.StatusUnmatched,
			Message: mismatch.Error(),
		}, mismatch
	}

	existing, err := d.statuses.StatusFor(id)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	if existing.Code != domain.StatusNull {
		d.log.Debug().Str("task_id", id.String()).Stringer("code", existing.Code).Msg("task already known")
		return existing, nil
	}

	inputPath, created, err := d.store.StageFile(id, sub.Filename, spool.path)
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("stage %s: %w", id.Short(), err)
	}
	if !created {
		// Another submitter staged it between our status check and now.
		return d.statuses.StatusFor(id)
	}

	job := domain.Job{
		TaskID:     id,
		InputPath:  inputPath,
		Options:    sub.Options,
		EnqueuedAt: d.now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		if uerr := d.store.Unstage(id); uerr != nil {
			err = errors.Join(err, fmt.Errorf("roll back staging: %w", uerr))
		}
		d.log.Error().Err(err).Str("task_id", id.String()).Msg("enqueue failed")
		return domain.TaskRecord{}, fmt.Errorf("enqueue %s: %w", id.Short(), err)
	}

	d.log.Info().Str("task_id", id.String()).Bool("fast", sub.Options.Fast).
		Int("similar", sub.Options.Similar).Msg("task created")

	opts := sub.Options
	return domain.TaskRecord{
		ID:      id,
		Code:    domain.StatusCreated,
		Message: MsgCreated,
		Options: &opts,
	}, nil
}

type spooled struct {
	path string
	id   domain.TaskID
}

// spool writes body into the incoming directory, which lives on the same
// volume as staging, and hashes it on the way.
func (d *Dispatcher) spool(body io.Reader) (spooled, error) {
	f, err := os.CreateTemp(d.store.IncomingDir(), "upload-*")
	if err != nil {
		return spooled{}, fmt.Errorf("spool upload: %w", err)
	}
	path := f.Name()
	f.Close()

	id, err := checksum.DigestStreamAndCopy(body, path, d.chunkSize)
	if err != nil {
		os.Remove(path)
		return spooled{}, fmt.Errorf("spool upload: %w", err)
	}
	return spooled{path: path, id: id}, nil
}
