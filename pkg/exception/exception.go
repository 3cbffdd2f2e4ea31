// Package exception holds the error taxonomy shared by every pipeline stage.
package exception

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error surfaced by the pipeline wraps exactly one of these.
var (
	ErrNetwork    = errors.New("network error")
	ErrSchema     = errors.New("schema error")
	ErrExtraction = errors.New("extraction error")
	ErrFilesystem = errors.New("filesystem error")
)

// StageError attaches the pipeline location to a failure.
type StageError struct {
	Kind   error
	Stage  string
	Symbol string
	Date   string
	File   string
	Err    error
}

func (e *StageError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.Stage != "" {
		sb.WriteString(" [" + e.Stage + "]")
	}
	if e.Symbol != "" {
		sb.WriteString(" symbol=" + e.Symbol)
	}
	if e.Date != "" {
		sb.WriteString(" date=" + e.Date)
	}
	if e.File != "" {
		sb.WriteString(" file=" + e.File)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Network wraps err as a NetworkError.
func Network(stage string, err error) error {
	return &StageError{Kind: ErrNetwork, Stage: stage, Err: err}
}

// Filesystem wraps err as a FilesystemError for the given path.
func Filesystem(stage, path string, err error) error {
	return &StageError{Kind: ErrFilesystem, Stage: stage, File: path, Err: err}
}

// Extraction wraps err as an ExtractionError for the given archive.
func Extraction(file string, err error) error {
	return &StageError{Kind: ErrExtraction, Stage: "extract", File: file, Err: err}
}

// Schema builds a SchemaError for a single row/column of a file.
func Schema(file string, row int, column string, err error) error {
	return &StageError{
		Kind:  ErrSchema,
		Stage: "map",
		File:  file,
		Err:   fmt.Errorf("row %d column %q: %w", row, column, err),
	}
}

// WithContext fills in symbol and date on a StageError, leaving other errors
// wrapped as-is.
func WithContext(err error, symbol, date string) error {
	var se *StageError
	if errors.As(err, &se) {
		if se.Symbol == "" {
			se.Symbol = symbol
		}
		if se.Date == "" {
			se.Date = date
		}
		return err
	}
	return fmt.Errorf("symbol=%s date=%s: %w", symbol, date, err)
}
