// Package storage owns the on-disk layout and the write discipline shared by
// every stage: temp file, fsync, rename.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

const (
	mergedDir     = "npz"
	orderBooksDir = "orderbooks"
	exportsDir    = "exports"
	manifestFile  = "manifest.jsonl"
	syncStateFile = "sync_state.yml"
)

// Layout resolves every persisted path relative to one data directory.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// RawDir is where archives of one kind for one symbol are kept.
func (l Layout) RawDir(kind schema.DataKind, symbol string) string {
	return filepath.Join(l.Root, string(kind), symbol)
}

// ArchiveName is the public archive naming scheme "<symbol>-<kind>-<date>.zip".
func ArchiveName(symbol string, kind schema.DataKind, date string) string {
	return fmt.Sprintf("%s-%s-%s.zip", symbol, kind, date)
}

// DepthArchiveName is the order-book export naming scheme.
func DepthArchiveName(symbol, date string) string {
	return fmt.Sprintf("%s_T_DEPTH_%s.tar.gz", symbol, date)
}

func (l Layout) TradeArchive(symbol, date string) string {
	return filepath.Join(l.RawDir(schema.DataKindTrades, symbol), ArchiveName(symbol, schema.DataKindTrades, date))
}

func (l Layout) DepthArchive(symbol, date string) string {
	return filepath.Join(l.RawDir(schema.DataKindOrderBook, symbol), DepthArchiveName(symbol, date))
}

// MergedPath is the canonical event log for one symbol and date.
func (l Layout) MergedPath(symbol, date string) string {
	return filepath.Join(l.Root, mergedDir, symbol, fmt.Sprintf("%s_%s.npz", symbol, date))
}

// OrderBookTablePath is the parsed table written for one order-book archive.
func (l Layout) OrderBookTablePath(symbol, stem string) string {
	return filepath.Join(l.Root, orderBooksDir, symbol, stem+".arrow")
}

// ExportDir holds the raw bundles returned by the authenticated export.
func (l Layout) ExportDir(symbol string) string {
	return filepath.Join(l.Root, exportsDir, symbol)
}

func (l Layout) ManifestPath() string {
	return filepath.Join(l.Root, manifestFile)
}

// SyncStatePath records when each symbol/kind was last mirrored.
func (l Layout) SyncStatePath() string {
	return filepath.Join(l.Root, syncStateFile)
}

// Prepare creates the raw directory for kind/symbol and returns it.
func (l Layout) Prepare(kind schema.DataKind, symbol string) (string, error) {
	dir := l.RawDir(kind, symbol)
	if err := createDirIfNotExists(dir); err != nil {
		return "", exception.Filesystem("prepare", dir, err)
	}
	return dir, nil
}

// createDirIfNotExists creates directory if it doesn't exist
func createDirIfNotExists(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}
