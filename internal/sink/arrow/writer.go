// Package arrow persists parsed order-book files as Arrow IPC tables.
package arrow

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// DefaultBatchRows caps the number of rows per record batch.
const DefaultBatchRows = 64 * 1024

// TableMeta identifies the source of a table.
type TableMeta struct {
	Symbol     string
	SourceFile string
}

type Writer struct {
	logger    *zap.Logger
	exchange  string
	ingestID  string
	batchRows int
	pool      memory.Allocator
	now       func() time.Time
}

// NewWriter returns a writer that stamps every table with runID. An empty
// runID gets a fresh one.
func NewWriter(logger *zap.Logger, exchange schema.Exchange, runID string) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Writer{
		logger:    logger,
		exchange:  string(exchange),
		ingestID:  runID,
		batchRows: DefaultBatchRows,
		pool:      memory.NewGoAllocator(),
		now:       time.Now,
	}
}

// RunID returns the id written into table metadata.
func (w *Writer) RunID() string {
	return w.ingestID
}

// WriteTable writes events to path as a single Arrow IPC file and returns the
// file size. The file appears only once it is complete.
func (w *Writer) WriteTable(path string, meta TableMeta, events []schema.Event) (int64, error) {
	arrowSchema := GetOrderBookSchema(map[string]string{
		MetaExchange:   w.exchange,
		MetaSymbol:     meta.Symbol,
		MetaSourceFile: meta.SourceFile,
		MetaRunID:      w.ingestID,
		MetaCreatedAt:  w.now().UTC().Format(time.RFC3339),
		MetaRows:       strconv.Itoa(len(events)),
	})

	size, err := storage.WriteAtomic(path, func(out io.Writer) error {
		fw, err := ipc.NewFileWriter(out, ipc.WithSchema(arrowSchema), ipc.WithAllocator(w.pool))
		if err != nil {
			return fmt.Errorf("failed to create arrow file writer: %w", err)
		}

		rb := array.NewRecordBuilder(w.pool, arrowSchema)
		defer rb.Release()

		for start := 0; start < len(events); start += w.batchRows {
			end := min(start+w.batchRows, len(events))
			appendEvents(rb, events[start:end])

			rec := rb.NewRecord()
			err := fw.Write(rec)
			rec.Release()
			if err != nil {
				fw.Close()
				return fmt.Errorf("failed to write record batch: %w", err)
			}
		}
		if err := fw.Close(); err != nil {
			return fmt.Errorf("failed to close arrow file writer: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, exception.ErrFilesystem) {
			err = exception.Filesystem("arrow", path, err)
		}
		return 0, err
	}

	w.logger.Debug("Wrote order book table",
		zap.String("path", path),
		zap.String("symbol", meta.Symbol),
		zap.Int("rows", len(events)),
		zap.Int64("bytes", size))
	return size, nil
}

func appendEvents(rb *array.RecordBuilder, events []schema.Event) {
	kinds := rb.Field(EventIdx).(*array.Uint8Builder)
	exch := rb.Field(ExchTimestampIdx).(*array.Uint64Builder)
	local := rb.Field(LocalTimestampIdx).(*array.Uint64Builder)
	sides := rb.Field(SideIdx).(*array.Int8Builder)
	prices := rb.Field(PriceIdx).(*array.Float64Builder)
	qtys := rb.Field(QtyIdx).(*array.Float64Builder)

	for _, b := range rb.Fields() {
		b.Reserve(len(events))
	}
	for _, e := range events {
		kinds.Append(uint8(e.Kind))
		exch.Append(e.ExchTS)
		local.Append(e.LocalTS)
		sides.Append(int8(e.Side))
		prices.Append(e.Price)
		qtys.Append(e.Qty)
	}
}
