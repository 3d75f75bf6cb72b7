package engine

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Bundle writes a gzip-compressed tarball at dest containing the named
// files from dir. Missing members are skipped and returned in missing;
// they are not an error.
func Bundle(dest, dir string, names []string) (included, missing []string, err error) {
	out, err := os.Create(dest)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range names {
		ok, err := addMember(tw, dir, name)
		if err != nil {
			return nil, nil, fmt.Errorf("bundle %s: %w", name, err)
		}
		if ok {
			included = append(included, name)
		} else {
			missing = append(missing, name)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, nil, err
	}
	return included, missing, nil
}

func addMember(tw *tar.Writer, dir, name string) (bool, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.Mode().IsRegular() {
		return false, nil
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return false, err
	}
	hdr.Name = filepath.ToSlash(name)
	if err := tw.WriteHeader(hdr); err != nil {
		return false, err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err == nil, err
}

// BundleEntry is one member listed by ReadBundle.
type BundleEntry struct {
	Name string
	Size int64
	Data []byte // nil unless ReadBundle was asked for content
}

// ReadBundle lists the members of a result bundle, reading their content
// when withData is set.
func ReadBundle(r io.Reader, withData bool) ([]BundleEntry, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var entries []BundleEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		e := BundleEntry{Name: hdr.Name, Size: hdr.Size}
		if withData {
			if e.Data, err = io.ReadAll(tr); err != nil {
				return nil, err
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
