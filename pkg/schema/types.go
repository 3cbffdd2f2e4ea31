package schema

import "fmt"

type Exchange string

const (
	ExchangeBinance Exchange = "binance"
)

// DataKind names a family of published archives. The value doubles as the
// directory name under the data dir and the middle token of archive names.
type DataKind string

const (
	DataKindTrades    DataKind = "trades"
	DataKindOrderBook DataKind = "orderbook"
)

// EventKind is the numeric tag stored in the first column of the merged
// output. The numeric order is the tie-break order for equal timestamps.
type EventKind uint8

const (
	EventDepthUpdate   EventKind = 1
	EventTrade         EventKind = 2
	EventDepthClear    EventKind = 3 // reserved, not emitted by any mapper
	EventDepthSnapshot EventKind = 4
)

func (k EventKind) String() string {
	switch k {
	case EventDepthUpdate:
		return "depth_update"
	case EventTrade:
		return "trade"
	case EventDepthClear:
		return "depth_clear"
	case EventDepthSnapshot:
		return "depth_snapshot"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known tags.
func (k EventKind) Valid() bool {
	return k >= EventDepthUpdate && k <= EventDepthSnapshot
}

type Side int8

const (
	SideSell Side = -1
	SideBuy  Side = 1
)

// Event is the canonical record every source is mapped into. Timestamps are
// milliseconds since the Unix epoch.
type Event struct {
	Kind    EventKind
	ExchTS  uint64
	LocalTS uint64
	Side    Side
	Price   float64
	Qty     float64
}

// Columns is the column order of the merged output array.
var Columns = []string{"event", "exch_timestamp", "local_timestamp", "side", "price", "qty"}

// Less orders events by exchange timestamp and then by kind.
func Less(a, b Event) bool {
	if a.ExchTS != b.ExchTS {
		return a.ExchTS < b.ExchTS
	}
	return a.Kind < b.Kind
}

// TradeRecord is one row of a public trades archive.
type TradeRecord struct {
	ID           uint64
	Price        float64
	Qty          float64
	QuoteQty     float64
	Time         uint64
	IsBuyerMaker bool
}

// TradeColumns is the positional layout of a trades CSV.
var TradeColumns = []string{"id", "price", "qty", "quote_qty", "time", "is_buyer_maker"}

// DepthRecord is one row of an order-book snapshot or update CSV.
type DepthRecord struct {
	Symbol        string
	Timestamp     uint64
	TransID       uint64
	FirstUpdateID uint64
	LastUpdateID  uint64
	Side          string
	UpdateType    string
	Price         float64
	Qty           float64
}

// DepthColumns is the positional layout shared by snapshot and update CSVs.
var DepthColumns = []string{
	"symbol",
	"timestamp",
	"trans_id",
	"first_update_id",
	"last_update_id",
	"side",
	"update_type",
	"price",
	"qty",
}

// ManifestEntry is one line of the jsonl manifest written next to the data.
type ManifestEntry struct {
	Timestamp string `json:"ts"`
	RunID     string `json:"run_id"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	FilePath  string `json:"file"`
	Rows      int    `json:"rows"`
	SizeBytes int64  `json:"size_bytes"`
	Format    string `json:"format"`
}
