package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/trade-engine/hist-ingest/pkg/exception"
)

// TempPrefix marks files that are still being written.
const TempPrefix = "TEMP_"

// TempPath returns the in-progress path used while writing path.
func TempPath(path string) string {
	return filepath.Join(filepath.Dir(path), TempPrefix+filepath.Base(path))
}

// IsTemp reports whether name is an in-progress file.
func IsTemp(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// WriteAtomic streams fn's output into a temp file beside path and renames it
// into place once fn, the flush and the fsync all succeeded. On any failure the
// temp file is removed and path is left untouched.
func WriteAtomic(path string, fn func(w io.Writer) error) (int64, error) {
	if err := createDirIfNotExists(filepath.Dir(path)); err != nil {
		return 0, exception.Filesystem("mkdir", filepath.Dir(path), err)
	}

	tempPath := TempPath(path)
	file, err := os.Create(tempPath)
	if err != nil {
		return 0, exception.Filesystem("create", tempPath, err)
	}

	buf := bufio.NewWriterSize(file, 1<<20)
	cw := &countingWriter{w: buf}
	fail := func(err error) (int64, error) {
		file.Close()
		os.Remove(tempPath)
		return 0, err
	}

	if err := fn(cw); err != nil {
		return fail(err)
	}
	if err := buf.Flush(); err != nil {
		return fail(exception.Filesystem("write", tempPath, err))
	}
	if err := file.Sync(); err != nil {
		return fail(exception.Filesystem("sync", tempPath, err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return 0, exception.Filesystem("close", tempPath, err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return 0, exception.Filesystem("rename", path, err)
	}
	return cw.n, nil
}

// WriteFileAtomic writes data to path via WriteAtomic.
func WriteFileAtomic(path string, data []byte) error {
	_, err := WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	return err
}

// RemoveIncomplete deletes every TEMP_ file directly inside dir and returns
// the removed paths. A missing dir is not an error.
func RemoveIncomplete(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, TempPrefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}

	removed := make([]string, 0, len(matches))
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, exception.Filesystem("cleanup", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
