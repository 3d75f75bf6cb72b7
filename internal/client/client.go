// Package client talks to a propserve server: it submits files, checks task
// status, downloads results and drives the submit-then-poll loop used by
// `propserve run`.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/infra/checksum"
	"github.com/propserve/propserve/internal/infra/scheduler"
	"github.com/propserve/propserve/internal/infra/sqlite"
)

// DefaultServer is used when no server URL is configured.
const DefaultServer = "http://127.0.0.1:8080"

// ─── Errors ─────────────────────────────────────────────────────────────────

// UnexpectedStatusError is an HTTP code outside the status enumeration,
// such as 500 or 520. Message is the server's explanation when it gave one.
type UnexpectedStatusError struct {
	Code    int
	Message string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected response code %d", e.Code)
	}
	return fmt.Sprintf("unexpected response code %d: %s", e.Code, e.Message)
}

// RejectedError is a request the server refused on its arguments: a bad
// option, a mismatched id, an oversized upload.
type RejectedError struct {
	Code    int
	Message string
	Args    map[string]string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Code, e.Message)
}

// ─── Client ─────────────────────────────────────────────────────────────────

// Client is a propserve API client. It is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultServer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.base }

// Hello fetches the server greeting. It doubles as a reachability check.
func (c *Client) Hello(ctx context.Context) (domain.Hello, error) {
	var hello domain.Hello
	resp, err := c.do(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return hello, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hello, unexpected(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil {
		return hello, fmt.Errorf("decode greeting: %w", err)
	}
	return hello, nil
}

// Status returns the current record for id.
func (c *Client) Status(ctx context.Context, id domain.TaskID) (domain.TaskRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", url.Values{"id": {id.String()}}, nil)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	defer resp.Body.Close()
	return decodeRecord(resp)
}

// Submit uploads the file at path. The task id is computed locally and sent
// along so the server can verify the upload.
func (c *Client) Submit(ctx context.Context, path string, opts domain.TaskOptions) (domain.TaskRecord, error) {
	id, err := checksum.Identify("", path)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	defer f.Close()

	q := opts.Values()
	q.Set("id", id.String())
	q.Set("filename", filepath.Base(path))

	resp, err := c.do(ctx, http.MethodPost, "/tasks", q, f)
	if err != nil {
		return domain.TaskRecord{}, err
	}
	defer resp.Body.Close()
	return decodeRecord(resp)
}

// FetchResult says what Fetch found. Record is set whenever the server
// answered with a status payload instead of the bundle.
type FetchResult struct {
	Code   domain.StatusCode
	Record *domain.TaskRecord
	Bytes  int64
}

// Fetch downloads the result bundle for id into dest. dest is only created
// when the task is ready; it is written through a temp file so a broken
// download never leaves a truncated bundle behind.
func (c *Client) Fetch(ctx context.Context, id domain.TaskID, dest string) (FetchResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/tasks", url.Values{"id": {id.String()}}, nil)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rec, err := decodeRecord(resp)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Code: rec.Code, Record: &rec}, nil
	}

	n, err := saveAtomic(dest, resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("save %s: %w", dest, err)
	}
	return FetchResult{Code: domain.StatusReady, Bytes: n}, nil
}

// Clear asks the server to delete finished output for id.
func (c *Client) Clear(ctx context.Context, id domain.TaskID) (bool, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/tasks", url.Values{"id": {id.String()}}, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, rejectedOrUnexpected(resp)
	}
	var body struct {
		Cleared bool `json:"cleared"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode clear response: %w", err)
	}
	return body.Cleared, nil
}

// ─── Introspection ──────────────────────────────────────────────────────────

// JobsReport is the body of GET /jobs.
type JobsReport struct {
	Stats scheduler.Stats     `json:"stats"`
	Jobs  []scheduler.JobInfo `json:"jobs"`
}

// Jobs returns the server's queued and running jobs.
func (c *Client) Jobs(ctx context.Context) (JobsReport, error) {
	var report JobsReport
	err := c.getJSON(ctx, "/jobs", nil, &report)
	return report, err
}

// Runs returns the most recent finished runs, newest first. limit <= 0
// leaves the count to the server.
func (c *Client) Runs(ctx context.Context, limit int) ([]sqlite.RunRecord, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {fmt.Sprint(limit)}}
	}
	var runs []sqlite.RunRecord
	err := c.getJSON(ctx, "/runs", q, &runs)
	return runs, err
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unexpected(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// ─── Plumbing ───────────────────────────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrServerUnreachable, c.base, err)
	}
	return resp, nil
}

// decodeRecord reads a TaskRecord from a response whose code is a status
// code. 400 and 409 come back as *RejectedError; everything else outside
// the enumeration as *UnexpectedStatusError.
func decodeRecord(resp *http.Response) (domain.TaskRecord, error) {
	code := domain.StatusCode(resp.StatusCode)
	if !code.Valid() || code == domain.StatusUnmatched {
		return domain.TaskRecord{}, rejectedOrUnexpected(resp)
	}
	var rec domain.TaskRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode status (%d): %w", resp.StatusCode, err)
	}
	rec.Code = code
	return rec, nil
}

func rejectedOrUnexpected(resp *http.Response) error {
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var body struct {
			Args  map[string]string `json:"args"`
			Error string            `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return &RejectedError{Code: resp.StatusCode, Message: body.Error, Args: body.Args}
		}
		return &RejectedError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return unexpected(resp)
}

func unexpected(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &UnexpectedStatusError{Code: resp.StatusCode, Message: msg}
}

func saveAtomic(dest string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// IsUnreachable reports whether err means the server could not be reached.
func IsUnreachable(err error) bool {
	return errors.Is(err, domain.ErrServerUnreachable)
}
