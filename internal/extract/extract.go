// Package extract opens exchange archives and yields their CSV rows.
package extract

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
)

// Table is the header-less content of one CSV member. Rows are positional and
// are not validated here.
type Table struct {
	Name string
	Rows [][]string
}

// ReadTradeArchive opens a zip holding exactly one member named after the
// archive stem ("<stem>.csv") and returns its rows without the header.
func ReadTradeArchive(path string) (Table, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Table{}, exception.Extraction(path, err)
	}
	defer zr.Close()

	if len(zr.File) != 1 {
		return Table{}, exception.Extraction(path, fmt.Errorf("expected 1 member, found %d", len(zr.File)))
	}

	want := domain.Stem(path) + ".csv"
	member := zr.File[0]
	if member.Name != want {
		return Table{}, exception.Extraction(path, fmt.Errorf("expected member %q, found %q", want, member.Name))
	}

	rc, err := member.Open()
	if err != nil {
		return Table{}, exception.Extraction(path, err)
	}
	defer rc.Close()

	rows, err := readCSV(rc)
	if err != nil {
		return Table{}, exception.Extraction(path, fmt.Errorf("%s: %w", member.Name, err))
	}
	return Table{Name: member.Name, Rows: rows}, nil
}

// ReadDepthArchive opens a tar (optionally gzip-compressed) holding exactly two
// CSV members. Sorted by name, the first is the snapshot file and the second
// the update file.
func ReadDepthArchive(path string) (snapshot, update Table, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, Table{}, exception.Extraction(path, err)
	}
	defer f.Close()

	tr, closeFn, err := openTar(f)
	if err != nil {
		return Table{}, Table{}, exception.Extraction(path, err)
	}
	defer closeFn()

	members := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, Table{}, exception.Extraction(path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if len(members) == 2 {
			return Table{}, Table{}, exception.Extraction(path, fmt.Errorf("expected 2 members, found more"))
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return Table{}, Table{}, exception.Extraction(path, fmt.Errorf("%s: %w", hdr.Name, err))
		}
		members[hdr.Name] = data
	}
	if len(members) != 2 {
		return Table{}, Table{}, exception.Extraction(path, fmt.Errorf("expected 2 members, found %d", len(members)))
	}

	names := make([]string, 0, 2)
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	tables := make([]Table, 2)
	for i, name := range names {
		rows, err := readCSV(bytes.NewReader(members[name]))
		if err != nil {
			return Table{}, Table{}, exception.Extraction(path, fmt.Errorf("%s: %w", name, err))
		}
		tables[i] = Table{Name: name, Rows: rows}
	}
	return tables[0], tables[1], nil
}

// ExtractBundle unpacks every regular member of the tar(.gz) at path into
// destDir using the temp-then-rename discipline and returns the written
// paths in member order. Member directories are flattened.
func ExtractBundle(path, destDir string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, exception.Extraction(path, err)
	}
	defer f.Close()

	tr, closeFn, err := openTar(f)
	if err != nil {
		return nil, exception.Extraction(path, err)
	}
	defer closeFn()

	var written []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, exception.Extraction(path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Base(hdr.Name)
		if name == "." || name == ".." || name == "" || storage.IsTemp(name) {
			return written, exception.Extraction(path, fmt.Errorf("refusing member name %q", hdr.Name))
		}

		target := filepath.Join(destDir, name)
		var readErr error
		_, err = storage.WriteAtomic(target, func(w io.Writer) error {
			if _, err := io.Copy(w, tr); err != nil {
				readErr = err
				return err
			}
			return nil
		})
		if readErr != nil {
			return written, exception.Extraction(path, fmt.Errorf("%s: %w", hdr.Name, readErr))
		}
		if err != nil {
			return written, err
		}
		written = append(written, target)
	}

	if len(written) == 0 {
		return nil, exception.Extraction(path, errors.New("bundle has no members"))
	}
	return written, nil
}

// openTar returns a tar reader over r, transparently handling gzip.
func openTar(r io.Reader) (*tar.Reader, func() error, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip: %w", err)
		}
		return tar.NewReader(gz), gz.Close, nil
	}
	return tar.NewReader(br), func() error { return nil }, nil
}

// readCSV reads every row and drops the first one (the header).
func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false

	var rows [][]string
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			first = false
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
