// Package checksum derives task identifiers from file content.
//
// Every function folds input through SHA-1 one fixed-size chunk at a time, so
// memory use does not grow with file size and the chunk size never changes
// the resulting digest.
package checksum

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/propserve/propserve/internal/domain"
)

// DefaultChunkSize is the read size used when callers pass 0.
const DefaultChunkSize = 4096

// Algorithm names the digest, for error messages and the hello payload.
const Algorithm = "sha1"

// New returns a fresh running digest.
func New() hash.Hash { return sha1.New() }

// DigestFile hashes the file at path.
func DigestFile(path string, chunkSize int) (domain.TaskID, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return DigestReader(f, chunkSize)
}

// DigestReader hashes r until EOF.
func DigestReader(r io.Reader, chunkSize int) (domain.TaskID, error) {
	h := New()
	if err := fold(r, h, nil, chunkSize); err != nil {
		return "", err
	}
	return sum(h), nil
}

// DigestStreamAndCopy writes r to destPath and hashes it in the same pass.
// An empty stream produces an empty file.
func DigestStreamAndCopy(r io.Reader, destPath string, chunkSize int) (domain.TaskID, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", destPath, err)
	}

	h := New()
	if err := fold(r, h, out, chunkSize); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", destPath, err)
	}
	return sum(h), nil
}

// Verify recomputes the digest of the file at path and compares it with the
// claimed identifier.
func Verify(claimed domain.TaskID, path string) (domain.TaskID, error) {
	computed, err := DigestFile(path, DefaultChunkSize)
	if err != nil {
		return "", err
	}
	return compare(claimed, computed)
}

// VerifyStream is Verify for a stream.
func VerifyStream(claimed domain.TaskID, r io.Reader) (domain.TaskID, error) {
	computed, err := DigestReader(r, DefaultChunkSize)
	if err != nil {
		return "", err
	}
	return compare(claimed, computed)
}

// Identify settles the identifier for a request that may carry a claimed ID,
// a file path, or both. With only a path the digest is returned; with both
// they must agree; with neither the request is invalid.
func Identify(claimed domain.TaskID, path string) (domain.TaskID, error) {
	switch {
	case claimed == "" && path == "":
		return "", fmt.Errorf("%w: need either a task id or a file path", domain.ErrInvalidInput)
	case path == "":
		return claimed, nil
	case claimed == "":
		return DigestFile(path, DefaultChunkSize)
	default:
		return Verify(claimed, path)
	}
}

func compare(claimed, computed domain.TaskID) (domain.TaskID, error) {
	if claimed != computed {
		return computed, &domain.MismatchError{Claimed: claimed, Computed: computed}
	}
	return computed, nil
}

// fold reads r in chunkSize pieces, feeding each one to h and, when w is not
// nil, to w.
func fold(r io.Reader, h hash.Hash, w io.Writer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			if w != nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return fmt.Errorf("write chunk: %w", werr)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}
	}
}

func sum(h hash.Hash) domain.TaskID {
	return domain.TaskID(hex.EncodeToString(h.Sum(nil)))
}
