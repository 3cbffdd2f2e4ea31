package services

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/trade-engine/hist-ingest/internal/storage"
)

const (
	tradeHeader = "id,price,qty,quote_qty,time,is_buyer_maker\n"
	depthHeader = "symbol,timestamp,trans_id,first_update_id,last_update_id,side,update_type,price,qty\n"
)

func writeTradeArchive(t *testing.T, layout storage.Layout, symbol, date, body string) string {
	t.Helper()
	path := layout.TradeArchive(symbol, date)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(symbol + "-trades-" + date + ".csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(tradeHeader + body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

type tarMember struct {
	name string
	body []byte
}

func tarGz(t *testing.T, members ...tarMember) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     m.name,
			Mode:     0644,
			Size:     int64(len(m.body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(m.body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func depthArchiveBytes(t *testing.T, symbol, date, snap, update string) []byte {
	t.Helper()
	prefix := symbol + "_T_DEPTH_" + date
	return tarGz(t,
		tarMember{prefix + "_snap.csv", []byte(depthHeader + snap)},
		tarMember{prefix + "_update.csv", []byte(depthHeader + update)},
	)
}

func writeDepthArchive(t *testing.T, layout storage.Layout, symbol, date, snap, update string) string {
	t.Helper()
	path := layout.DepthArchive(symbol, date)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, depthArchiveBytes(t, symbol, date, snap, update), 0644))
	return path
}
