package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/extract"
	"github.com/trade-engine/hist-ingest/internal/fetch"
	"github.com/trade-engine/hist-ingest/internal/restapi"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

const dateLayout = "2006-01-02"

// Exporter is the authenticated export API.
type Exporter interface {
	RequestExport(ctx context.Context, req restapi.ExportRequest) (string, error)
	WaitLink(ctx context.Context, downloadID string) (restapi.DownloadLink, error)
}

// OrderBookDownloader requests order-book exports, downloads them and unpacks
// the per-day archives into the raw order-book directory.
type OrderBookDownloader struct {
	layout   storage.Layout
	exporter Exporter
	pool     *fetch.Pool
	logger   *zap.Logger
	workers  int
	dataType string
}

func NewOrderBookDownloader(layout storage.Layout, exporter Exporter, pool *fetch.Pool, logger *zap.Logger, workers int, dataType string) *OrderBookDownloader {
	if workers <= 0 {
		workers = fetch.DefaultWorkers
	}
	if dataType == "" {
		dataType = restapi.DefaultDataType
	}
	return &OrderBookDownloader{
		layout:   layout,
		exporter: exporter,
		pool:     pool,
		logger:   logger,
		workers:  workers,
		dataType: dataType,
	}
}

// ExportName is the local file name of an export bundle.
func ExportName(symbol, dataType string, start, end time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz", symbol, dataType, start.Format(dateLayout), end.Format(dateLayout))
}

// Download exports [start, end] for every symbol, at most workers symbols at
// a time. It returns the unpacked archive paths per symbol. A failed symbol
// does not stop the others unless the failure is a filesystem error.
func (o *OrderBookDownloader) Download(ctx context.Context, symbols []string, start, end time.Time) (map[string][]string, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", end.Format(dateLayout), start.Format(dateLayout))
	}

	var (
		mu     sync.Mutex
		out    = make(map[string][]string, len(symbols))
		failed []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, symbol := range symbols {
		g.Go(func() error {
			files, err := o.downloadSymbol(gctx, symbol, start, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = exception.WithContext(err, symbol, start.Format(dateLayout))
				if errors.Is(err, exception.ErrFilesystem) {
					return err
				}
				o.logger.Error("Order book export failed", zap.String("symbol", symbol), zap.Error(err))
				failed = append(failed, err)
				return nil
			}
			out[symbol] = files
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, errors.Join(failed...)
}

// downloadSymbol clears TEMP_ leftovers from the export dir before the export
// is requested and again once the symbol is done, whatever the outcome.
func (o *OrderBookDownloader) downloadSymbol(ctx context.Context, symbol string, start, end time.Time) (files []string, err error) {
	rawDir, err := o.layout.Prepare(schema.DataKindOrderBook, symbol)
	if err != nil {
		return nil, err
	}
	exportDir := o.layout.ExportDir(symbol)
	if err := o.removeIncomplete(exportDir); err != nil {
		return nil, err
	}
	defer func() {
		if cleanupErr := o.removeIncomplete(exportDir); cleanupErr != nil && err == nil {
			files, err = nil, cleanupErr
		}
	}()

	id, err := o.exporter.RequestExport(ctx, restapi.ExportRequest{
		Symbol:   symbol,
		Start:    start,
		End:      end,
		DataType: o.dataType,
	})
	if err != nil {
		return nil, err
	}

	link, err := o.exporter.WaitLink(ctx, id)
	if err != nil {
		return nil, err
	}

	name := ExportName(symbol, o.dataType, start, end)
	ref := &domain.ArchiveRef{
		Symbol:    symbol,
		Kind:      schema.DataKindOrderBook,
		Date:      start.Format(dateLayout),
		Filename:  name,
		RemoteURL: link.Link,
		LocalPath: filepath.Join(exportDir, name),
	}

	res, err := o.pool.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	if res.Outcome != fetch.OutcomeDownloaded {
		return nil, res.Err
	}

	files, err = extract.ExtractBundle(ref.LocalPath, rawDir)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Order book export unpacked",
		zap.String("symbol", symbol),
		zap.String("bundle", ref.LocalPath),
		zap.Int("files", len(files)))
	return files, nil
}

func (o *OrderBookDownloader) removeIncomplete(dir string) error {
	removed, err := storage.RemoveIncomplete(dir)
	for _, path := range removed {
		o.logger.Info("Removed incomplete export", zap.String("file", path))
	}
	return err
}
