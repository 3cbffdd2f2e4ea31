package services

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/metrics"
	"github.com/trade-engine/hist-ingest/internal/sink/arrow"
	"github.com/trade-engine/hist-ingest/internal/sink/npz"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

func newTestConverter(t *testing.T) (*Converter, storage.Layout, *metrics.Metrics) {
	t.Helper()
	layout := storage.NewLayout(t.TempDir())
	m := metrics.NewMetrics(prometheus.NewRegistry())
	tables := arrow.NewWriter(zap.NewNop(), schema.ExchangeBinance, "run-test")
	c := NewConverter(layout, tables, storage.NewManifest(layout.ManifestPath()), m, zap.NewNop())
	return c, layout, m
}

func TestConverter_EndToEnd(t *testing.T) {
	c, layout, m := newTestConverter(t)
	const symbol, date = "BTCUSDT", "2024-01-01"

	writeTradeArchive(t, layout, symbol, date,
		"1,100,1,100,1000,true\n"+
			"2,101,2,202,1000,false\n"+
			"3,102,3,306,1500,false\n")
	writeDepthArchive(t, layout, symbol, date,
		"BTCUSDT,1000,0,0,9,a,snap,100.5,4\n",
		"BTCUSDT,1000,1,10,11,b,set,99.5,5\n")

	res, err := c.Convert(context.Background(), symbol, date)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Trades)
	assert.Equal(t, 1, res.Snapshots)
	assert.Equal(t, 1, res.Updates)
	assert.Equal(t, 5, res.Events)
	assert.Equal(t, layout.MergedPath(symbol, date), res.MergedPath)

	events, err := npz.Read(res.MergedPath)
	require.NoError(t, err)
	assert.Equal(t, []schema.Event{
		{Kind: schema.EventDepthUpdate, ExchTS: 1000, LocalTS: 1000, Side: schema.SideBuy, Price: 99.5, Qty: 5},
		{Kind: schema.EventTrade, ExchTS: 1000, LocalTS: 1000, Side: schema.SideSell, Price: 100, Qty: 1},
		{Kind: schema.EventTrade, ExchTS: 1000, LocalTS: 1000, Side: schema.SideBuy, Price: 101, Qty: 2},
		{Kind: schema.EventDepthSnapshot, ExchTS: 1000, LocalTS: 1000, Side: schema.SideSell, Price: 100.5, Qty: 4},
		{Kind: schema.EventTrade, ExchTS: 1500, LocalTS: 1500, Side: schema.SideBuy, Price: 102, Qty: 3},
	}, events)

	table, err := arrow.ReadTable(res.TablePath)
	require.NoError(t, err)
	assert.Len(t, table.Events, 2)
	assert.Equal(t, "BTCUSDT_T_DEPTH_2024-01-01.tar.gz", table.Metadata[arrow.MetaSourceFile])
	assert.Equal(t, "run-test", table.Metadata[arrow.MetaRunID])

	entries := readManifest(t, layout.ManifestPath())
	require.Len(t, entries, 2)
	assert.Equal(t, "arrow", entries[0].Format)
	assert.Equal(t, "npz", entries[1].Format)
	assert.Equal(t, 5, entries[1].Rows)
	assert.Equal(t, "run-test", entries[1].RunID)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsWritten.WithLabelValues("trade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsWritten.WithLabelValues("depth_update")))
}

func TestConverter_RerunOverwrites(t *testing.T) {
	c, layout, _ := newTestConverter(t)
	writeTradeArchive(t, layout, "ETHUSDT", "2024-02-01", "1,10,1,10,5,true\n")
	writeDepthArchive(t, layout, "ETHUSDT", "2024-02-01", "ETHUSDT,5,0,0,1,a,snap,10,1\n", "")

	first, err := c.Convert(context.Background(), "ETHUSDT", "2024-02-01")
	require.NoError(t, err)
	second, err := c.Convert(context.Background(), "ETHUSDT", "2024-02-01")
	require.NoError(t, err)
	assert.Equal(t, first.MergedPath, second.MergedPath)

	events, err := npz.Read(second.MergedPath)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestConverter_SchemaError(t *testing.T) {
	c, layout, m := newTestConverter(t)
	writeTradeArchive(t, layout, "BTCUSDT", "2024-01-01", "1,oops,1,100,1000,true\n")
	writeDepthArchive(t, layout, "BTCUSDT", "2024-01-01", "", "")

	_, err := c.Convert(context.Background(), "BTCUSDT", "2024-01-01")
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrSchema)

	var se *exception.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "BTCUSDT", se.Symbol)
	assert.Equal(t, "2024-01-01", se.Date)

	_, statErr := os.Stat(layout.MergedPath("BTCUSDT", "2024-01-01"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("convert", "schema")))
}

func TestConverter_MissingArchive(t *testing.T) {
	c, layout, _ := newTestConverter(t)
	writeTradeArchive(t, layout, "BTCUSDT", "2024-01-01", "1,1,1,1,1,true\n")

	_, err := c.Convert(context.Background(), "BTCUSDT", "2024-01-01")
	assert.ErrorIs(t, err, exception.ErrExtraction)
}

func TestConverter_ConvertRange(t *testing.T) {
	c, layout, _ := newTestConverter(t)
	for _, date := range []string{"2024-01-01", "2024-01-03"} {
		writeTradeArchive(t, layout, "BTCUSDT", date, "1,1,1,1,1,true\n")
		writeDepthArchive(t, layout, "BTCUSDT", date, "BTCUSDT,1,0,0,1,b,snap,1,1\n", "")
	}

	results, err := c.ConvertRange(context.Background(), "BTCUSDT", []string{"2024-01-01", "2024-01-02", "2024-01-03"})
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrExtraction)
	require.Len(t, results, 2)
	assert.Equal(t, "2024-01-03", results[1].Date)
}

func readManifest(t *testing.T, path string) []schema.ManifestEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []schema.ManifestEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e schema.ManifestEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}
