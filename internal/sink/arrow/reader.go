package arrow

import (
	"errors"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Table is a decoded order-book file.
type Table struct {
	Metadata map[string]string
	Events   []schema.Event
}

// ReadTable loads every record batch of the Arrow file at path.
func ReadTable(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, exception.Filesystem("arrow", path, err)
	}
	defer file.Close()

	fr, err := ipc.NewFileReader(file, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file %s: %w", path, err)
	}
	defer fr.Close()

	if err := checkFields(fr.Schema()); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	table := &Table{Metadata: metadataMap(fr.Schema().Metadata())}
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", i, path, err)
		}
		table.Events = appendRecord(table.Events, rec)
	}
	return table, nil
}

func checkFields(s *arrow.Schema) error {
	want := GetOrderBookFields()
	if s.NumFields() != len(want) {
		return fmt.Errorf("expected %d fields, found %d", len(want), s.NumFields())
	}
	for i, f := range want {
		got := s.Field(i)
		if got.Name != f.Name || !arrow.TypeEqual(got.Type, f.Type) {
			return errors.New("unexpected field " + got.Name + " " + got.Type.String())
		}
	}
	return nil
}

func metadataMap(md arrow.Metadata) map[string]string {
	out := make(map[string]string, md.Len())
	for i, k := range md.Keys() {
		out[k] = md.Values()[i]
	}
	return out
}

func appendRecord(dst []schema.Event, rec arrow.Record) []schema.Event {
	kinds := rec.Column(EventIdx).(*array.Uint8)
	exch := rec.Column(ExchTimestampIdx).(*array.Uint64)
	local := rec.Column(LocalTimestampIdx).(*array.Uint64)
	sides := rec.Column(SideIdx).(*array.Int8)
	prices := rec.Column(PriceIdx).(*array.Float64)
	qtys := rec.Column(QtyIdx).(*array.Float64)

	for j := 0; j < int(rec.NumRows()); j++ {
		dst = append(dst, schema.Event{
			Kind:    schema.EventKind(kinds.Value(j)),
			ExchTS:  exch.Value(j),
			LocalTS: local.Value(j),
			Side:    schema.Side(sides.Value(j)),
			Price:   prices.Value(j),
			Qty:     qtys.Value(j),
		})
	}
	return dst
}
