package services

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/extract"
	"github.com/trade-engine/hist-ingest/internal/mapper"
	"github.com/trade-engine/hist-ingest/internal/merge"
	"github.com/trade-engine/hist-ingest/internal/metrics"
	"github.com/trade-engine/hist-ingest/internal/sink/arrow"
	"github.com/trade-engine/hist-ingest/internal/sink/npz"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Converter turns the raw archives of one symbol/date into the merged event
// array and a per-archive order-book table.
type Converter struct {
	layout   storage.Layout
	tables   *arrow.Writer
	manifest *storage.Manifest
	metrics  *metrics.Metrics
	logger   *zap.Logger
	exchange schema.Exchange
	now      func() time.Time
}

// ConvertResult describes the files written for one symbol/date.
type ConvertResult struct {
	Symbol     string
	Date       string
	MergedPath string
	TablePath  string
	Trades     int
	Snapshots  int
	Updates    int
	Events     int
}

func NewConverter(layout storage.Layout, tables *arrow.Writer, manifest *storage.Manifest, m *metrics.Metrics, logger *zap.Logger) *Converter {
	return &Converter{
		layout:   layout,
		tables:   tables,
		manifest: manifest,
		metrics:  m,
		logger:   logger,
		exchange: schema.ExchangeBinance,
		now:      time.Now,
	}
}

// Convert reads the trades zip and the order-book tar of symbol/date, maps
// both, merges them and writes the merged array. Both archives must already
// be downloaded.
func (c *Converter) Convert(ctx context.Context, symbol, date string) (ConvertResult, error) {
	started := c.now()
	res := ConvertResult{Symbol: symbol, Date: date}

	tradePath := c.layout.TradeArchive(symbol, date)
	depthPath := c.layout.DepthArchive(symbol, date)

	var trades, snaps, updates []schema.Event

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		table, err := extract.ReadTradeArchive(tradePath)
		if err != nil {
			return err
		}
		trades, err = mapper.MapTrades(table.Name, table.Rows)
		return err
	})
	g.Go(func() error {
		snapTable, updateTable, err := extract.ReadDepthArchive(depthPath)
		if err != nil {
			return err
		}
		if snaps, err = mapper.MapSnapshots(snapTable.Name, snapTable.Rows); err != nil {
			return err
		}
		updates, err = mapper.MapUpdates(updateTable.Name, updateTable.Rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return res, c.fail(err, symbol, date)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Trades, res.Snapshots, res.Updates = len(trades), len(snaps), len(updates)

	if c.tables != nil {
		book := merge.Merge(snaps, updates)
		res.TablePath = c.layout.OrderBookTablePath(symbol, domain.Stem(depthPath))
		size, err := c.tables.WriteTable(res.TablePath, arrow.TableMeta{
			Symbol:     symbol,
			SourceFile: filepath.Base(depthPath),
		}, book)
		if err != nil {
			return res, c.fail(err, symbol, date)
		}
		if err := c.record(symbol, date, schema.DataKindOrderBook, res.TablePath, len(book), size, "arrow"); err != nil {
			return res, c.fail(err, symbol, date)
		}
	}

	events := merge.Merge(trades, snaps, updates)
	res.Events = len(events)
	res.MergedPath = c.layout.MergedPath(symbol, date)

	size, err := npz.Write(res.MergedPath, events)
	if err != nil {
		return res, c.fail(err, symbol, date)
	}
	if err := c.record(symbol, date, "merged", res.MergedPath, len(events), size, "npz"); err != nil {
		return res, c.fail(err, symbol, date)
	}

	c.metrics.RecordEvents(schema.EventTrade.String(), res.Trades)
	c.metrics.RecordEvents(schema.EventDepthSnapshot.String(), res.Snapshots)
	c.metrics.RecordEvents(schema.EventDepthUpdate.String(), res.Updates)
	c.metrics.RecordConvert(c.now().Sub(started).Seconds())

	c.logger.Info("Converted archives",
		zap.String("symbol", symbol),
		zap.String("date", date),
		zap.Int("trades", res.Trades),
		zap.Int("snapshots", res.Snapshots),
		zap.Int("updates", res.Updates),
		zap.String("output", res.MergedPath))
	return res, nil
}

// ConvertRange converts every date in dates and keeps going past dates whose
// archives are broken. Filesystem errors stop the run.
func (c *Converter) ConvertRange(ctx context.Context, symbol string, dates []string) ([]ConvertResult, error) {
	var (
		results []ConvertResult
		failed  []error
	)
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.Convert(ctx, symbol, date)
		if err != nil {
			if errors.Is(err, exception.ErrFilesystem) {
				return results, err
			}
			failed = append(failed, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(failed...)
}

func (c *Converter) record(symbol, date string, kind schema.DataKind, path string, rows int, size int64, format string) error {
	if c.manifest == nil {
		return nil
	}
	runID := ""
	if c.tables != nil {
		runID = c.tables.RunID()
	}
	return c.manifest.Append(schema.ManifestEntry{
		Timestamp: c.now().UTC().Format(time.RFC3339),
		RunID:     runID,
		Exchange:  string(c.exchange),
		Symbol:    symbol,
		Date:      date,
		Kind:      string(kind),
		FilePath:  path,
		Rows:      rows,
		SizeBytes: size,
		Format:    format,
	})
}

func (c *Converter) fail(err error, symbol, date string) error {
	err = exception.WithContext(err, symbol, date)
	c.metrics.RecordError("convert", errorType(err))
	c.logger.Error("Conversion failed",
		zap.String("symbol", symbol),
		zap.String("date", date),
		zap.Error(err))
	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, exception.ErrSchema):
		return "schema"
	case errors.Is(err, exception.ErrExtraction):
		return "extraction"
	case errors.Is(err, exception.ErrFilesystem):
		return "filesystem"
	case errors.Is(err, exception.ErrNetwork):
		return "network"
	default:
		return "other"
	}
}
