// Package taskstore is the content-addressed on-disk task layout.
//
// Two roots hold everything the service knows about a task:
//
//	{inbound}/{task_id}/{original_filename}   staged input, waiting or running
//	{serve}/{task_id}/{result_name}           finished result bundle
//	{serve}/{task_id}/ErrorDetails.txt        finished with an error
//
// Every mutation touches a single task's subtree and is either idempotent or
// an atomic rename, so concurrent work on different tasks never contends and
// a crash leaves a state that Resolve can still interpret.
package taskstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/propserve/propserve/internal/domain"
)

const (
	// ErrorFileName is the error record written instead of a result bundle.
	ErrorFileName = "ErrorDetails.txt"

	// DefaultResultName is the bundle name used when Layout leaves it empty.
	DefaultResultName = "qp_data.tar.gz"

	// DefaultInputName replaces uploaded file names that are unusable.
	DefaultInputName = "api_file.file"

	// incomingDirName holds uploads that have not been verified yet. The
	// leading dot keeps it from ever looking like a task directory.
	incomingDirName = ".incoming"

	tempPrefix = ".tmp-"

	// claimName records which input name won the staging entry for a task.
	claimName = ".claim"
)

// Layout fixes the two roots for the lifetime of the process.
type Layout struct {
	InboundRoot string
	ServeRoot   string
	ResultName  string
}

// Kind says which piece of evidence Resolve found.
type Kind int

const (
	KindNone Kind = iota
	KindStaged
	KindError
	KindResult
)

// String returns a short label for tables and logs.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStaged:
		return "staged"
	case KindError:
		return "error"
	case KindResult:
		return "result"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is the outcome of Resolve. Path is the result bundle, the error
// record or the staging directory, depending on Kind.
type Target struct {
	Kind Kind
	Path string
}

// Entry is one row of List.
type Entry struct {
	ID      domain.TaskID
	Kind    Kind
	Path    string
	Size    int64
	ModTime time.Time
}

// Store reads and writes the layout.
type Store struct {
	layout Layout
}

// New creates both roots if needed and returns a Store over them.
func New(layout Layout) (*Store, error) {
	if layout.InboundRoot == "" || layout.ServeRoot == "" {
		return nil, fmt.Errorf("%w: inbound and serve roots are required", domain.ErrInvalidInput)
	}
	if layout.ResultName == "" {
		layout.ResultName = DefaultResultName
	}
	for _, dir := range []string{layout.InboundRoot, layout.ServeRoot, filepath.Join(layout.InboundRoot, incomingDirName)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{layout: layout}, nil
}

// Layout returns the roots this store was opened with.
func (s *Store) Layout() Layout { return s.layout }

// IncomingDir is scratch space on the inbound volume for unverified uploads.
func (s *Store) IncomingDir() string {
	return filepath.Join(s.layout.InboundRoot, incomingDirName)
}

// StagingDir returns {inbound}/{id}.
func (s *Store) StagingDir(id domain.TaskID) string {
	return filepath.Join(s.layout.InboundRoot, string(id))
}

// ServeDir returns {serve}/{id}.
func (s *Store) ServeDir(id domain.TaskID) string {
	return filepath.Join(s.layout.ServeRoot, string(id))
}

// ResultPath returns where the result bundle for id lives once promoted.
func (s *Store) ResultPath(id domain.TaskID) string {
	return filepath.Join(s.ServeDir(id), s.layout.ResultName)
}

// ErrorPath returns where the error record for id lives.
func (s *Store) ErrorPath(id domain.TaskID) string {
	return filepath.Join(s.ServeDir(id), ErrorFileName)
}

// ─── Resolve ────────────────────────────────────────────────────────────────

// Resolve reports the strongest evidence for id: a result beats an error
// record, which beats a staging directory. A task that finished with an error
// is therefore never reported as staged, even if staging cleanup raced.
func (s *Store) Resolve(id domain.TaskID) (Target, error) {
	if err := checkID(id); err != nil {
		return Target{}, err
	}

	checks := []struct {
		kind Kind
		path string
	}{
		{KindResult, s.ResultPath(id)},
		{KindError, s.ErrorPath(id)},
		{KindStaged, s.StagingDir(id)},
	}
	for _, c := range checks {
		ok, err := exists(c.path)
		if err != nil {
			return Target{}, err
		}
		if ok {
			return Target{Kind: c.kind, Path: c.path}, nil
		}
	}
	return Target{Kind: KindNone}, nil
}

// HasResult reports whether a result bundle exists for id.
func (s *Store) HasResult(id domain.TaskID) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	return exists(s.ResultPath(id))
}

// ─── Staging ────────────────────────────────────────────────────────────────

// Stage writes the content of r as the staged input for id. A task has one
// staging entry whatever the uploaded name: if one already exists its path
// is returned unchanged, r is not read, and created is false.
func (s *Store) Stage(id domain.TaskID, filename string, r io.Reader) (path string, created bool, err error) {
	dir, final, won, err := s.claim(id, filename)
	if err != nil || !won {
		return final, false, err
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		s.release(id)
		return "", false, fmt.Errorf("stage %s: %w", id.Short(), err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.release(id)
		return "", false, fmt.Errorf("stage %s: write: %w", id.Short(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		s.release(id)
		return "", false, fmt.Errorf("stage %s: close: %w", id.Short(), err)
	}

	if _, err := publish(tmp.Name(), final); err != nil {
		s.release(id)
		return "", false, err
	}
	return final, true, nil
}

// StageFile moves srcPath into staging for id, with the same create-if-absent
// semantics as Stage. When the entry already exists srcPath is removed.
func (s *Store) StageFile(id domain.TaskID, filename, srcPath string) (path string, created bool, err error) {
	dir, final, won, err := s.claim(id, filename)
	if err != nil {
		return "", false, err
	}
	if !won {
		os.Remove(srcPath)
		return final, false, nil
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	if err := moveFile(srcPath, tmp); err != nil {
		s.release(id)
		return "", false, fmt.Errorf("stage %s: %w", id.Short(), err)
	}
	if _, err := publish(tmp, final); err != nil {
		s.release(id)
		return "", false, err
	}
	return final, true, nil
}

// claim makes the caller the single creator of id's staging entry. The
// winner gets won=true and must publish final; everyone else gets the path
// the winner chose. The claim file is published with the same link-based
// create-if-absent as inputs, so two stagers with different file names
// still agree on one entry.
func (s *Store) claim(id domain.TaskID, filename string) (dir, final string, won bool, err error) {
	if err := checkID(id); err != nil {
		return "", "", false, err
	}
	if existing, err := s.StagedInput(id); err == nil {
		return s.StagingDir(id), existing, false, nil
	}

	dir = s.StagingDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", false, fmt.Errorf("stage %s: %w", id.Short(), err)
	}
	name := SanitizeFilename(filename)

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", "", false, fmt.Errorf("stage %s: %w", id.Short(), err)
	}
	_, werr := tmp.WriteString(name)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return "", "", false, fmt.Errorf("stage %s: claim: %w", id.Short(), werr)
	}

	won, err = publish(tmp.Name(), filepath.Join(dir, claimName))
	if err != nil {
		return "", "", false, fmt.Errorf("stage %s: claim: %w", id.Short(), err)
	}
	if !won {
		data, err := os.ReadFile(filepath.Join(dir, claimName))
		if err != nil {
			return "", "", false, fmt.Errorf("stage %s: read claim: %w", id.Short(), err)
		}
		name = SanitizeFilename(string(data))
	}
	return dir, filepath.Join(dir, name), won, nil
}

// release drops a claim whose input could not be published, so a later
// submission can stage the task again.
func (s *Store) release(id domain.TaskID) {
	os.Remove(filepath.Join(s.StagingDir(id), claimName))
}

// StagedInput returns the path of the staged input file for id.
func (s *Store) StagedInput(id domain.TaskID) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(s.StagingDir(id))
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			return filepath.Join(s.StagingDir(id), e.Name()), nil
		}
	}
	return "", fmt.Errorf("staging for %s: %w", id.Short(), fs.ErrNotExist)
}

// Unstage removes the staging directory for id. Missing is not an error.
func (s *Store) Unstage(id domain.TaskID) error {
	if err := checkID(id); err != nil {
		return err
	}
	return os.RemoveAll(s.StagingDir(id))
}

// ─── Serve zone ─────────────────────────────────────────────────────────────

// EnsureServeDir creates {serve}/{id}.
func (s *Store) EnsureServeDir(id domain.TaskID) error {
	if err := checkID(id); err != nil {
		return err
	}
	return os.MkdirAll(s.ServeDir(id), 0o755)
}

// Promote moves a finished artifact into the serve zone as the result for
// id. Readers never see a partially written bundle, even when the artifact
// sits on another volume.
func (s *Store) Promote(id domain.TaskID, artifact string) error {
	if err := s.EnsureServeDir(id); err != nil {
		return fmt.Errorf("promote %s: %w", id.Short(), err)
	}
	if err := moveFile(artifact, s.ResultPath(id)); err != nil {
		return fmt.Errorf("promote %s: %w", id.Short(), err)
	}
	return nil
}

// RecordError writes the error record for id. Callers must not also promote
// a result for the same task.
func (s *Store) RecordError(id domain.TaskID, detail string) error {
	if err := s.EnsureServeDir(id); err != nil {
		return fmt.Errorf("record error %s: %w", id.Short(), err)
	}
	if err := writeAtomic(s.ErrorPath(id), []byte(detail)); err != nil {
		return fmt.Errorf("record error %s: %w", id.Short(), err)
	}
	return nil
}

// ReadError returns the error record text for id.
func (s *Store) ReadError(id domain.TaskID) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.ErrorPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", id.Short(), domain.ErrNoErrorRecord)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clear removes the serve-zone subtree for id when it holds a result or an
// error record, and reports whether it did. Staging is left alone, so a
// running job is not interrupted.
func (s *Store) Clear(id domain.TaskID) (bool, error) {
	target, err := s.Resolve(id)
	if err != nil {
		return false, err
	}
	if target.Kind != KindResult && target.Kind != KindError {
		return false, nil
	}
	if err := os.RemoveAll(s.ServeDir(id)); err != nil {
		return false, fmt.Errorf("clear %s: %w", id.Short(), err)
	}
	return true, nil
}

// ─── Listing ────────────────────────────────────────────────────────────────

// List returns every task found in either zone, sorted by id.
func (s *Store) List() ([]Entry, error) {
	seen := make(map[domain.TaskID]bool)
	for _, root := range []string{s.layout.ServeRoot, s.layout.InboundRoot} {
		dirents, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", root, err)
		}
		for _, d := range dirents {
			if d.IsDir() && domain.ValidTaskID(d.Name()) {
				seen[domain.TaskID(d.Name())] = true
			}
		}
	}

	entries := make([]Entry, 0, len(seen))
	for id := range seen {
		target, err := s.Resolve(id)
		if err != nil {
			return nil, err
		}
		if target.Kind == KindNone {
			// Serve dir created by a worker that has not finished yet.
			continue
		}
		e := Entry{ID: id, Kind: target.Kind, Path: target.Path}
		if info, err := os.Stat(target.Path); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime()
		}
		if target.Kind == KindStaged {
			if input, err := s.StagedInput(id); err == nil {
				if info, err := os.Stat(input); err == nil {
					e.Size = info.Size()
				}
			}
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// SanitizeFilename reduces an uploaded name to a single safe path element.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return DefaultInputName
	}
	return name
}

func checkID(id domain.TaskID) error {
	if !domain.ValidTaskID(string(id)) {
		return fmt.Errorf("%w: malformed task id %q", domain.ErrInvalidInput, id)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
