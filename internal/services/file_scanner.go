package services

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/storage"
)

// FileScanner finds the symbol/dates whose raw archives are on disk.
type FileScanner struct {
	logger *zap.Logger
	layout storage.Layout
}

// FileFilter contains filter criteria
type FileFilter struct {
	StartDate time.Time
	EndDate   time.Time
	Symbol    string
	// SkipConverted drops dates that already have a merged output.
	SkipConverted bool
}

func NewFileScanner(logger *zap.Logger, layout storage.Layout) *FileScanner {
	return &FileScanner{
		logger: logger,
		layout: layout,
	}
}

// ConvertibleDates returns the dates in the filter range for which both the
// trades archive and the order-book archive exist.
func (fs *FileScanner) ConvertibleDates(filter FileFilter) ([]string, error) {
	if filter.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if filter.EndDate.Before(filter.StartDate) {
		return nil, fmt.Errorf("end date %s before start date %s",
			filter.EndDate.Format(dateLayout), filter.StartDate.Format(dateLayout))
	}

	var dates []string
	for _, date := range generateDateRange(filter.StartDate, filter.EndDate) {
		trades := fs.layout.TradeArchive(filter.Symbol, date)
		depth := fs.layout.DepthArchive(filter.Symbol, date)

		missing := ""
		switch {
		case !fileExists(trades):
			missing = trades
		case !fileExists(depth):
			missing = depth
		}
		if missing != "" {
			fs.logger.Debug("Skipping date with missing archive",
				zap.String("symbol", filter.Symbol),
				zap.String("date", date),
				zap.String("missing", missing))
			continue
		}

		if filter.SkipConverted && fileExists(fs.layout.MergedPath(filter.Symbol, date)) {
			continue
		}
		dates = append(dates, date)
	}

	fs.logger.Info("Found convertible dates",
		zap.String("symbol", filter.Symbol),
		zap.Int("count", len(dates)))
	return dates, nil
}

// generateDateRange generates a slice of date strings in YYYY-MM-DD format
func generateDateRange(from, to time.Time) []string {
	var dates []string

	// Normalize to date only (remove time component)
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, to.Location())

	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dateLayout))
	}

	return dates
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
