package services

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/merge"
	"github.com/trade-engine/hist-ingest/internal/sink/arrow"
	"github.com/trade-engine/hist-ingest/internal/sink/npz"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// FileReaderService summarises converted outputs.
type FileReaderService struct {
	logger *zap.Logger
}

// FileSummary describes one merged array or order-book table.
type FileSummary struct {
	Path      string
	Format    string
	SizeBytes int64
	Rows      int
	FirstTS   uint64
	LastTS    uint64
	Sorted    bool
	Counts    map[string]int
	Metadata  map[string]string
}

func NewFileReaderService(logger *zap.Logger) *FileReaderService {
	return &FileReaderService{
		logger: logger,
	}
}

// GetFileSummary reads a .npz or .arrow output and returns basic statistics.
func (frs *FileReaderService) GetFileSummary(filePath string) (*FileSummary, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}

	summary := &FileSummary{Path: filePath, SizeBytes: info.Size()}

	var events []schema.Event
	switch filepath.Ext(filePath) {
	case ".npz":
		summary.Format = "npz"
		events, err = npz.Read(filePath)
	case ".arrow":
		summary.Format = "arrow"
		var table *arrow.Table
		table, err = arrow.ReadTable(filePath)
		if err == nil {
			events = table.Events
			summary.Metadata = table.Metadata
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		frs.logger.Error("Failed to read file summary",
			zap.String("file", filePath),
			zap.Error(err))
		return nil, err
	}

	summary.Rows = len(events)
	summary.Sorted = merge.IsSorted(events)
	summary.Counts = make(map[string]int)
	for _, e := range events {
		summary.Counts[e.Kind.String()]++
	}
	if len(events) > 0 {
		summary.FirstTS = events[0].ExchTS
		summary.LastTS = events[len(events)-1].ExchTS
	}
	return summary, nil
}
