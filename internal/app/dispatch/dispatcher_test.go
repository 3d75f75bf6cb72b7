package dispatch

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propserve/propserve/internal/app/status"
	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *taskstore.Store, *fakeQueue) {
	t.Helper()
	dir := t.TempDir()
	store, err := taskstore.New(taskstore.Layout{
		InboundRoot: filepath.Join(dir, "inbound"),
		ServeRoot:   filepath.Join(dir, "serve"),
	})
	require.NoError(t, err)
	q := &fakeQueue{}
	resolver := status.NewResolver(store, zerolog.Nop())
	return NewDispatcher(store, resolver, q, zerolog.Nop()), store, q
}

func idOf(data string) domain.TaskID {
	s := sha1.Sum([]byte(data))
	return domain.TaskID(hex.EncodeToString(s[:]))
}

func submission(id domain.TaskID, body string) Submission {
	return Submission{
		ClaimedID: id,
		Filename:  "mol.sdf",
		Body:      strings.NewReader(body),
		Options:   domain.DefaultOptions(),
	}
}

func incomingEmpty(t *testing.T, store *taskstore.Store) {
	t.Helper()
	entries, err := os.ReadDir(store.IncomingDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "spooled uploads must be cleaned up")
}

// stagedInputs counts the visible input files staged for id.
func stagedInputs(t *testing.T, store *taskstore.Store, id domain.TaskID) int {
	t.Helper()
	entries, err := os.ReadDir(store.StagingDir(id))
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

func TestSubmit_CreatedThenStaged(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	const body = "C1=CC=CC=C1"
	id := idOf(body)

	rec, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, rec.Code)
	assert.Equal(t, id, rec.ID)
	require.NotNil(t, rec.Options)
	assert.Equal(t, domain.DefaultSimilar, rec.Options.Similar)

	rec, err = d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStaged, rec.Code)

	assert.Equal(t, 1, q.count())
	assert.Equal(t, id, q.jobs[0].TaskID)

	input, err := store.StagedInput(id)
	require.NoError(t, err)
	assert.Equal(t, input, q.jobs[0].InputPath)
	data, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))

	incomingEmpty(t, store)
}

func TestSubmit_WithoutClaimedID(t *testing.T) {
	d, _, q := newTestDispatcher(t)
	rec, err := d.Submit(context.Background(), submission("", "CCO"))
	require.NoError(t, err)
	assert.Equal(t, idOf("CCO"), rec.ID)
	assert.Equal(t, 1, q.count())
}

func TestSubmit_Mismatch(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	claimed := domain.TaskID(strings.Repeat("0", 40))
	const body = "CC(=O)O"

	rec, err := d.Submit(context.Background(), submission(claimed, body))
	assert.ErrorIs(t, err, domain.ErrChecksumMismatch)
	assert.Equal(t, domain.StatusUnmatched, rec.Code)
	assert.Contains(t, rec.Message, string(idOf(body)))

	assert.Zero(t, q.count())
	assert.NoDirExists(t, store.StagingDir(claimed))
	assert.NoDirExists(t, store.StagingDir(idOf(body)))
	incomingEmpty(t, store)
}

func TestSubmit_ExistingStatusReturnedUnchanged(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	const body = "O=C=O"
	id := idOf(body)
	require.NoError(t, store.RecordError(id, "tool crashed"))

	rec, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, rec.Code)
	assert.Equal(t, "tool crashed", rec.ErrorText())
	assert.Zero(t, q.count())
	assert.NoDirExists(t, store.StagingDir(id))
	incomingEmpty(t, store)
}

func TestSubmit_QueueFullRollsBack(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	q.err = domain.ErrQueueFull
	const body = "N#N"
	id := idOf(body)

	_, err := d.Submit(context.Background(), submission(id, body))
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.NoDirExists(t, store.StagingDir(id))

	// Once the queue drains the same file can be submitted again.
	q.err = nil
	rec, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, rec.Code)
}

func TestSubmit_InvalidInput(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Submit(context.Background(), Submission{ClaimedID: idOf("x")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = d.Submit(context.Background(), submission("not-a-digest", "x"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	sub := submission("", "x")
	sub.Options.Similar = -3
	_, err = d.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSubmit_ConcurrentSameContent(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	body := bytes.Repeat([]byte("c1ccccc1\n"), 2000)
	id := idOf(string(body))

	const n = 12
	codes := make([]domain.StatusCode, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := d.Submit(context.Background(), Submission{
				ClaimedID: id,
				Filename:  "ring.sdf",
				Body:      bytes.NewReader(body),
				Options:   domain.DefaultOptions(),
			})
			assert.NoError(t, err)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, q.count(), "exactly one job per identifier")
	created := 0
	for _, c := range codes {
		if c == domain.StatusCreated {
			created++
		} else {
			assert.Equal(t, domain.StatusStaged, c)
		}
	}
	assert.Equal(t, 1, created)

	assert.Equal(t, 1, stagedInputs(t, store, id))
	incomingEmpty(t, store)
}

// barrierStatuses holds the first n status lookups until all n have
// arrived, so every submitter sees the task as unknown before any stages it.
type barrierStatuses struct {
	Statuses
	mu      sync.Mutex
	pending int
	release chan struct{}
}

func newBarrierStatuses(inner Statuses, n int) *barrierStatuses {
	return &barrierStatuses{Statuses: inner, pending: n, release: make(chan struct{})}
}

func (b *barrierStatuses) StatusFor(id domain.TaskID) (domain.TaskRecord, error) {
	rec, err := b.Statuses.StatusFor(id)
	b.mu.Lock()
	if b.pending > 0 {
		b.pending--
		if b.pending == 0 {
			close(b.release)
		}
		b.mu.Unlock()
		<-b.release
		return rec, err
	}
	b.mu.Unlock()
	return rec, err
}

func TestSubmit_ConcurrentSameContentDifferentNames(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	body := bytes.Repeat([]byte("CCO\n"), 4000)
	id := idOf(string(body))

	names := []string{"a.sdf", "b.sdf"}
	d.statuses = newBarrierStatuses(d.statuses, len(names))

	codes := make([]domain.StatusCode, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			rec, err := d.Submit(context.Background(), Submission{
				ClaimedID: id,
				Filename:  name,
				Body:      bytes.NewReader(body),
				Options:   domain.DefaultOptions(),
			})
			assert.NoError(t, err)
			codes[i] = rec.Code
		}(i, name)
	}
	wg.Wait()

	assert.ElementsMatch(t, []domain.StatusCode{domain.StatusCreated, domain.StatusStaged}, codes)
	assert.Equal(t, 1, q.count(), "same content must be queued once")
	assert.Equal(t, 1, stagedInputs(t, store, id))
	incomingEmpty(t, store)
}

// Clearing an errored task leaves its staged input in place, so the task
// reads as staged and a resubmission is not queued again. This is a known
// limitation.
func TestSubmit_KnownLimitation_ClearedErrorStaysStaged(t *testing.T) {
	d, store, q := newTestDispatcher(t)
	const body = "O=C=O"
	id := idOf(body)

	_, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	require.NoError(t, store.RecordError(id, "tool failed"))
	cleared, err := store.Clear(id)
	require.NoError(t, err)
	require.True(t, cleared)

	rec, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStaged, rec.Code)
	assert.Equal(t, 1, q.count())
}

// Options are not part of the identifier, so a resubmission with different
// options is answered from the first submission. This is a known limitation.
func TestSubmit_KnownLimitation_OptionsIgnoredForIdentity(t *testing.T) {
	d, _, q := newTestDispatcher(t)
	const body = "CN1C=NC2=C1C(=O)N(C(=O)N2C)C"
	id := idOf(body)

	_, err := d.Submit(context.Background(), submission(id, body))
	require.NoError(t, err)

	fast := submission(id, body)
	fast.Options.Fast = true
	rec, err := d.Submit(context.Background(), fast)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStaged, rec.Code)

	require.Equal(t, 1, q.count())
	assert.False(t, q.jobs[0].Options.Fast)
}
