// Package status turns on-disk task evidence into status codes and the
// records returned to clients.
package status

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

// Messages carried in TaskRecord.Message.
const (
	MsgStaged      = "File is staged for processing or is being processed"
	MsgCompleteErr = "Complete, but threw error"
	MsgComplete    = "Complete"
	msgNoEntryFmt  = "No entry for %s"
)

// Store is the subset of the task store the resolver reads.
type Store interface {
	Resolve(id domain.TaskID) (taskstore.Target, error)
	ReadError(id domain.TaskID) (string, error)
	StagedInput(id domain.TaskID) (string, error)
}

// Estimator predicts how long a staged input of the given size will take.
type Estimator interface {
	EstimateSeconds(sizeBytes int64) (float64, bool)
}

// Resolver builds TaskRecords from the task store.
type Resolver struct {
	store     Store
	estimator Estimator
	log       zerolog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		log:   logger.With().Str("component", "status").Logger(),
	}
}

// SetEstimator enables run-time estimates on staged records. nil disables.
func (r *Resolver) SetEstimator(e Estimator) { r.estimator = e }

// ResponseCodeFor maps a resolved target onto a StatusCode using the same
// priority Resolve applies. A kind outside the enumeration is a bug and comes
// back as an *domain.UnreachableStateError.
func ResponseCodeFor(t taskstore.Target) (domain.StatusCode, error) {
	switch t.Kind {
	case taskstore.KindResult:
		return domain.StatusReady, nil
	case taskstore.KindError:
		return domain.StatusError, nil
	case taskstore.KindStaged:
		return domain.StatusStaged, nil
	case taskstore.KindNone:
		return domain.StatusNull, nil
	default:
		return 0, &domain.UnreachableStateError{Detail: fmt.Sprintf("resolved target %s", t.Kind)}
	}
}

// StatusFor returns the current record for id.
func (r *Resolver) StatusFor(id domain.TaskID) (domain.TaskRecord, error) {
	_, rec, err := r.Lookup(id)
	return rec, err
}

// Lookup is StatusFor that also returns the resolved target, for callers
// that go on to serve the result file.
func (r *Resolver) Lookup(id domain.TaskID) (taskstore.Target, domain.TaskRecord, error) {
	target, err := r.store.Resolve(id)
	if err != nil {
		return taskstore.Target{}, domain.TaskRecord{}, err
	}

	code, err := ResponseCodeFor(target)
	if err != nil {
		var use *domain.UnreachableStateError
		if errors.As(err, &use) {
			use.TaskID = id
		}
		r.log.Error().Err(err).Str("task_id", id.String()).Msg("unreachable task state")
		return target, domain.TaskRecord{}, err
	}

	rec := domain.TaskRecord{ID: id, Code: code}
	switch code {
	case domain.StatusNull:
		rec.Message = fmt.Sprintf(msgNoEntryFmt, id)
	case domain.StatusStaged:
		rec.Message = MsgStaged
		rec.EstimateSeconds = r.estimate(id)
	case domain.StatusError:
		detail, err := r.store.ReadError(id)
		if err != nil {
			return target, domain.TaskRecord{}, fmt.Errorf("read error record: %w", err)
		}
		rec.Message = MsgCompleteErr
		rec.Error = &detail
	case domain.StatusReady:
		rec.Message = MsgComplete
	}
	return target, rec, nil
}

func (r *Resolver) estimate(id domain.TaskID) *float64 {
	if r.estimator == nil {
		return nil
	}
	input, err := r.store.StagedInput(id)
	if err != nil {
		return nil
	}
	info, err := os.Stat(input)
	if err != nil {
		return nil
	}
	secs, ok := r.estimator.EstimateSeconds(info.Size())
	if !ok {
		return nil
	}
	return &secs
}
