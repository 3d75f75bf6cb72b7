package taskstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// rename is swapped out in tests to simulate cross-volume moves.
var rename = os.Rename

// moveFile relocates src to dst. A plain rename is tried first; when that
// fails because the two paths are on different volumes the file is copied to
// a temp name beside dst, renamed into place and the source removed.
func moveFile(src, dst string) error {
	err := rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(src), err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// copyFile copies src to dst through a temp file in dst's directory, so dst
// either does not exist or is complete.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), tempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// publish makes tmp visible as final only if final does not exist yet. A hard
// link gives create-if-absent atomically; filesystems without link support
// fall back to a stat-then-rename, which leaves a small race window.
func publish(tmp, final string) (bool, error) {
	defer os.Remove(tmp)

	err := os.Link(tmp, final)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}

	if ok, statErr := exists(final); statErr != nil || ok {
		return false, statErr
	}
	if err := os.Rename(tmp, final); err != nil {
		return false, fmt.Errorf("publish %s: %w", filepath.Base(final), err)
	}
	return true, nil
}
