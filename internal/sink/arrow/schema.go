package arrow

import (
	"github.com/apache/arrow/go/v17/arrow"
)

// Field indices of the order-book table schema.
const (
	EventIdx = iota
	ExchTimestampIdx
	LocalTimestampIdx
	SideIdx
	PriceIdx
	QtyIdx
)

// Schema-level metadata keys.
const (
	MetaExchange   = "exchange"
	MetaSymbol     = "symbol"
	MetaSourceFile = "source_file"
	MetaRunID      = "run_id"
	MetaCreatedAt  = "created_at"
	MetaRows       = "rows"
)

// GetOrderBookFields returns the columns shared by every order-book table.
// They mirror the merged array layout so a table can be fed to the merger
// unchanged.
func GetOrderBookFields() []arrow.Field {
	return []arrow.Field{
		{Name: "event", Type: arrow.PrimitiveTypes.Uint8, Nullable: false},
		{Name: "exch_timestamp", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
		{Name: "local_timestamp", Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
		{Name: "side", Type: arrow.PrimitiveTypes.Int8, Nullable: false},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: "qty", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	}
}

// GetOrderBookSchema returns the Arrow schema for a parsed order-book file
// with the given metadata attached.
func GetOrderBookSchema(meta map[string]string) *arrow.Schema {
	if len(meta) == 0 {
		return arrow.NewSchema(GetOrderBookFields(), nil)
	}
	md := arrow.MetadataFrom(meta)
	return arrow.NewSchema(GetOrderBookFields(), &md)
}
