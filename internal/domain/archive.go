package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Status tracks an archive through a single fetch run.
type Status int

const (
	StatusPending Status = iota
	StatusDownloading
	StatusDownloaded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDownloading:
		return "downloading"
	case StatusDownloaded:
		return "downloaded"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed within the run.
func (s Status) Terminal() bool {
	return s == StatusDownloaded || s == StatusFailed
}

// ArchiveRef identifies one remote archive and where it lands locally.
type ArchiveRef struct {
	Symbol    string          `json:"symbol"`
	Kind      schema.DataKind `json:"kind"`
	Date      string          `json:"date"` // "YYYY-MM-DD"
	Filename  string          `json:"filename"`
	RemoteURL string          `json:"remote_url"`
	LocalPath string          `json:"local_path"`
	Status    Status          `json:"status"`
}

// Transition moves the ref to next, rejecting moves out of Downloaded and
// moves that skip Downloading.
func (r *ArchiveRef) Transition(next Status) error {
	switch {
	case r.Status == StatusDownloaded:
		return fmt.Errorf("archive %s already downloaded", r.Filename)
	case next == StatusDownloading && (r.Status == StatusPending || r.Status == StatusFailed):
	case next.Terminal() && r.Status == StatusDownloading:
	default:
		return fmt.Errorf("archive %s: invalid transition %s -> %s", r.Filename, r.Status, next)
	}
	r.Status = next
	return nil
}

var archiveNamePattern = regexp.MustCompile(`^([A-Za-z0-9]+)-([A-Za-z]+)-(\d{4}-\d{2}-\d{2})\.`)

// ParseArchiveName splits "<symbol>-<kind>-<date>.<ext>" into its parts.
func ParseArchiveName(name string) (symbol string, kind schema.DataKind, date string, err error) {
	m := archiveNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", "", "", fmt.Errorf("unrecognised archive name %q", name)
	}
	return m[1], schema.DataKind(m[2]), m[3], nil
}

// Stem strips every extension from a file name ("a.tar.gz" -> "a").
func Stem(name string) string {
	base := filepath.Base(name)
	if i := strings.Index(base, "."); i > 0 {
		return base[:i]
	}
	return base
}
