// Package mapper turns positional archive rows into typed records and
// canonical events. Every function here is pure.
package mapper

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// firstDataRow is the 1-based line number of the first row after the header.
const firstDataRow = 2

var errNegative = errors.New("must not be negative")

// ParseTrade converts one trades CSV row into a TradeRecord. row is the line
// number reported in errors.
func ParseTrade(file string, row int, rec []string) (schema.TradeRecord, error) {
	if len(rec) != len(schema.TradeColumns) {
		return schema.TradeRecord{}, exception.Schema(file, row, "",
			fmt.Errorf("expected %d columns, got %d", len(schema.TradeColumns), len(rec)))
	}

	p := parser{file: file, row: row, rec: rec, columns: schema.TradeColumns}
	out := schema.TradeRecord{
		ID:           p.integer(0),
		Price:        p.amount(1),
		Qty:          p.amount(2),
		QuoteQty:     p.amount(3),
		Time:         p.integer(4),
		IsBuyerMaker: p.flag(5),
	}
	return out, p.err
}

// MapTrade maps a trade record. The buyer-maker flag is carried into the side
// with the same sign convention as the upstream tooling: a buyer-maker trade
// is -1.
func MapTrade(r schema.TradeRecord) schema.Event {
	side := schema.SideBuy
	if r.IsBuyerMaker {
		side = schema.SideSell
	}
	return schema.Event{
		Kind:    schema.EventTrade,
		ExchTS:  r.Time,
		LocalTS: r.Time,
		Side:    side,
		Price:   r.Price,
		Qty:     r.Qty,
	}
}

// MapTrades parses and maps every row of a trades table.
func MapTrades(file string, rows [][]string) ([]schema.Event, error) {
	events := make([]schema.Event, 0, len(rows))
	for i, rec := range rows {
		r, err := ParseTrade(file, i+firstDataRow, rec)
		if err != nil {
			return nil, err
		}
		events = append(events, MapTrade(r))
	}
	return events, nil
}

// ParseDepth converts one snapshot or update CSV row into a DepthRecord.
func ParseDepth(file string, row int, rec []string) (schema.DepthRecord, error) {
	if len(rec) != len(schema.DepthColumns) {
		return schema.DepthRecord{}, exception.Schema(file, row, "",
			fmt.Errorf("expected %d columns, got %d", len(schema.DepthColumns), len(rec)))
	}

	p := parser{file: file, row: row, rec: rec, columns: schema.DepthColumns}
	out := schema.DepthRecord{
		Symbol:        strings.TrimSpace(rec[0]),
		Timestamp:     p.integer(1),
		TransID:       p.integer(2),
		FirstUpdateID: p.integer(3),
		LastUpdateID:  p.integer(4),
		Side:          strings.TrimSpace(rec[5]),
		UpdateType:    strings.TrimSpace(rec[6]),
		Price:         p.amount(7),
		Qty:           p.amount(8),
	}
	return out, p.err
}

// MapDepth maps a depth record to an event of the given kind. "a" (ask) is -1,
// anything else is +1.
func MapDepth(kind schema.EventKind, r schema.DepthRecord) schema.Event {
	side := schema.SideBuy
	if r.Side == "a" {
		side = schema.SideSell
	}
	return schema.Event{
		Kind:    kind,
		ExchTS:  r.Timestamp,
		LocalTS: r.Timestamp,
		Side:    side,
		Price:   r.Price,
		Qty:     r.Qty,
	}
}

// MapSnapshots maps every row of a snapshot table to DepthSnapshot events.
func MapSnapshots(file string, rows [][]string) ([]schema.Event, error) {
	return mapDepth(schema.EventDepthSnapshot, file, rows)
}

// MapUpdates maps every row of an update table to DepthUpdate events.
func MapUpdates(file string, rows [][]string) ([]schema.Event, error) {
	return mapDepth(schema.EventDepthUpdate, file, rows)
}

func mapDepth(kind schema.EventKind, file string, rows [][]string) ([]schema.Event, error) {
	events := make([]schema.Event, 0, len(rows))
	for i, rec := range rows {
		r, err := ParseDepth(file, i+firstDataRow, rec)
		if err != nil {
			return nil, err
		}
		events = append(events, MapDepth(kind, r))
	}
	return events, nil
}

// parser keeps the first field error so a record can be decoded in one
// expression.
type parser struct {
	file    string
	row     int
	rec     []string
	columns []string
	err     error
}

func (p *parser) fail(i int, err error) {
	if p.err == nil {
		p.err = exception.Schema(p.file, p.row, p.columns[i], err)
	}
}

func (p *parser) integer(i int) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(p.rec[i]), 10, 64)
	if err != nil {
		p.fail(i, err)
	}
	return v
}

func (p *parser) amount(i int) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.rec[i]), 64)
	switch {
	case err != nil:
		p.fail(i, err)
	case math.IsNaN(v) || math.IsInf(v, 0):
		p.fail(i, fmt.Errorf("non-finite value %q", p.rec[i]))
	case v < 0:
		p.fail(i, errNegative)
	}
	return v
}

func (p *parser) flag(i int) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(p.rec[i]))
	if err != nil {
		p.fail(i, err)
	}
	return v
}
