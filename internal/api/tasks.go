package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/propserve/propserve/internal/app/dispatch"
	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/metrics"
)

// Query parameters that are not tool options.
const (
	paramID       = "id"
	paramFilename = "filename"
)

// ArgsError is the body of every argument-level failure.
type ArgsError struct {
	Args  map[string]string `json:"args"`
	Error string            `json:"error"`
	Code  int               `json:"code"`
}

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := requireID(r)
	if err != nil {
		writeArgsError(w, r, http.StatusBadRequest, err)
		return
	}
	_, rec, err := s.statuses.Lookup(id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	metrics.StatusQueries.WithLabelValues(rec.Code.String()).Inc()
	writeJSON(w, int(rec.Code), rec)
}

// ─── GET /tasks ─────────────────────────────────────────────────────────────

// handleGetTask streams the result bundle when the task is ready and
// otherwise answers exactly like /status.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := requireID(r)
	if err != nil {
		writeArgsError(w, r, http.StatusBadRequest, err)
		return
	}
	target, rec, err := s.statuses.Lookup(id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	metrics.StatusQueries.WithLabelValues(rec.Code.String()).Inc()
	if rec.Code != domain.StatusReady {
		writeJSON(w, int(rec.Code), rec)
		return
	}

	f, err := os.Open(target.Path)
	if errors.Is(err, os.ErrNotExist) {
		// Cleared between Lookup and Open.
		writeJSON(w, int(domain.StatusNull), domain.TaskRecord{
			ID:      id,
			Code:    domain.StatusNull,
			Message: fmt.Sprintf("No entry for %s", id),
		})
		return
	}
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.opts.ResultName))
	if info, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn().Err(err).Str("task_id", id.String()).Msg("result download interrupted")
	}
}

// ─── POST /tasks ────────────────────────────────────────────────────────────

func (s *Server) handlePostTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var claimed domain.TaskID
	if raw := q.Get(paramID); raw != "" {
		if !domain.ValidTaskID(raw) {
			writeArgsError(w, r, http.StatusBadRequest, fmt.Errorf("%w: id must be a 40 character lowercase hex SHA-1 digest", domain.ErrInvalidInput))
			return
		}
		claimed = domain.TaskID(raw)
	}
	opts, err := domain.ParseOptions(q, paramID, paramFilename)
	if err != nil {
		writeArgsError(w, r, http.StatusBadRequest, err)
		return
	}

	body := io.Reader(r.Body)
	if s.opts.MaxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	if r.ContentLength > 0 {
		metrics.UploadBytes.Observe(float64(r.ContentLength))
	}

	rec, err := s.submitter.Submit(r.Context(), dispatch.Submission{
		ClaimedID: claimed,
		Filename:  q.Get(paramFilename),
		Body:      body,
		Options:   opts,
	})

	var mismatch *domain.MismatchError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &mismatch):
		metrics.Submissions.WithLabelValues(domain.StatusUnmatched.String()).Inc()
		writeArgsError(w, r, int(domain.StatusUnmatched), err)
	case errors.As(err, &tooLarge):
		writeArgsError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, domain.ErrInvalidInput):
		writeArgsError(w, r, http.StatusBadRequest, err)
	case err != nil:
		s.writeFailure(w, r, err)
	default:
		metrics.Submissions.WithLabelValues(rec.Code.String()).Inc()
		writeJSON(w, int(rec.Code), rec)
	}
}

// ─── DELETE /tasks ──────────────────────────────────────────────────────────

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if !s.clearEnabled {
		writeArgsError(w, r, http.StatusForbidden, errors.New("clearing results is disabled on this server"))
		return
	}
	id, err := requireID(r)
	if err != nil {
		writeArgsError(w, r, http.StatusBadRequest, err)
		return
	}
	cleared, err := s.clearer.Clear(id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if cleared {
		s.log.Info().Str("task_id", id.String()).Msg("output cleared")
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cleared": cleared})
}

// ─── Errors ─────────────────────────────────────────────────────────────────

// writeFailure maps an internal error to its HTTP code.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var unreachable *domain.UnreachableStateError
	switch {
	case errors.As(err, &unreachable):
		metrics.UnreachableStates.Inc()
		writeJSON(w, domain.StatusUnreachable, map[string]string{"message": err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		writeArgsError(w, r, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		metrics.QueueRejected.Inc()
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": err.Error()})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal server error"})
	}
}

func writeArgsError(w http.ResponseWriter, r *http.Request, code int, err error) {
	writeJSON(w, code, ArgsError{Args: flatArgs(r), Error: err.Error(), Code: code})
}

func flatArgs(r *http.Request) map[string]string {
	q := r.URL.Query()
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[len(v)-1]
		}
	}
	return out
}

func requireID(r *http.Request) (domain.TaskID, error) {
	raw := r.URL.Query().Get(paramID)
	if raw == "" {
		return "", fmt.Errorf("%w: missing required parameter %q", domain.ErrInvalidInput, paramID)
	}
	if !domain.ValidTaskID(raw) {
		return "", fmt.Errorf("%w: id must be a 40 character lowercase hex SHA-1 digest", domain.ErrInvalidInput)
	}
	return domain.TaskID(raw), nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a non-negative integer", domain.ErrInvalidInput, name, raw)
	}
	return n, nil
}
