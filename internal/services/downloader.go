package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/fetch"
	"github.com/trade-engine/hist-ingest/internal/metadata"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// DefaultLockTimeout bounds how long a run waits for another process holding
// the data directory.
const DefaultLockTimeout = 5 * time.Second

// Lister produces the archives missing locally for one symbol and kind.
type Lister interface {
	Worklist(ctx context.Context, symbol string, kind schema.DataKind) ([]*domain.ArchiveRef, error)
}

// Downloader mirrors the public archives of a set of symbols into the data
// directory.
type Downloader struct {
	layout      storage.Layout
	lister      Lister
	pool        *fetch.Pool
	logger      *zap.Logger
	runID       string
	lockTimeout time.Duration
	syncState   *metadata.SyncState
	now         func() time.Time
}

func NewDownloader(layout storage.Layout, lister Lister, pool *fetch.Pool, logger *zap.Logger, runID string) *Downloader {
	return &Downloader{
		layout:      layout,
		lister:      lister,
		pool:        pool,
		logger:      logger,
		runID:       runID,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
}

// SetLockTimeout overrides DefaultLockTimeout.
func (d *Downloader) SetLockTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.lockTimeout = timeout
	}
}

// SetSyncState makes the downloader record complete batches in state, saved
// to the layout's sync state file.
func (d *Downloader) SetSyncState(state *metadata.SyncState) {
	d.syncState = state
}

// BatchReport is the outcome of one symbol/kind batch.
type BatchReport struct {
	Symbol  string
	Kind    schema.DataKind
	Summary fetch.Summary
	Err     error
}

// Run fetches every missing archive for each symbol and kind in turn. A
// listing failure is reported for that batch and the run moves on; a
// filesystem failure stops the run.
func (d *Downloader) Run(ctx context.Context, symbols []string, kinds []schema.DataKind) ([]BatchReport, error) {
	var reports []BatchReport
	err := storage.WithLock(d.layout.Root, "download", d.runID, d.lockTimeout, func() error {
		for _, symbol := range symbols {
			for _, kind := range kinds {
				if err := ctx.Err(); err != nil {
					return err
				}
				report, err := d.runBatch(ctx, symbol, kind)
				reports = append(reports, report)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return reports, err
}

func (d *Downloader) runBatch(ctx context.Context, symbol string, kind schema.DataKind) (BatchReport, error) {
	report := BatchReport{Symbol: symbol, Kind: kind}

	dir, err := d.layout.Prepare(kind, symbol)
	if err != nil {
		report.Err = err
		return report, err
	}

	refs, err := d.lister.Worklist(ctx, symbol, kind)
	if err != nil {
		report.Err = exception.WithContext(err, symbol, "")
		d.logger.Error("Failed to build worklist",
			zap.String("symbol", symbol),
			zap.String("kind", string(kind)),
			zap.Error(err))
		if errors.Is(err, exception.ErrFilesystem) {
			return report, report.Err
		}
		return report, nil
	}

	d.logger.Info("Starting download batch",
		zap.String("symbol", symbol),
		zap.String("kind", string(kind)),
		zap.Int("missing", len(refs)))

	report.Summary, err = d.pool.Run(ctx, dir, refs)
	if err != nil {
		report.Err = exception.WithContext(err, symbol, "")
		return report, fmt.Errorf("download %s/%s: %w", kind, symbol, report.Err)
	}

	if d.syncState != nil && report.Summary.Downloaded == report.Summary.Total {
		d.syncState.Update(symbol, kind, d.now())
		if err := d.syncState.Save(d.layout.SyncStatePath()); err != nil {
			report.Err = err
			return report, err
		}
	}
	return report, nil
}
