package catalog

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/retry"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

func listingPage(truncated bool, nextMarker string, keys ...string) string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sb.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	sb.WriteString(`<Name>data.binance.vision</Name>`)
	fmt.Fprintf(&sb, `<IsTruncated>%t</IsTruncated>`, truncated)
	if nextMarker != "" {
		fmt.Fprintf(&sb, `<NextMarker>%s</NextMarker>`, nextMarker)
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, `<Contents><Key>%s</Key><Size>1</Size></Contents>`, k)
	}
	sb.WriteString(`</ListBucketResult>`)
	return sb.String()
}

const prefix = "data/futures/um/daily/trades/BTCUSDT/"

func newTestCatalog(t *testing.T, url string, root string) *Catalog {
	t.Helper()
	return New(storage.NewLayout(root), zap.NewNop(),
		WithEndpoints(url, "https://archives.example.com", ""),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}))
}

func TestCatalog_ListPaginates(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "/", q.Get("delimiter"))
		assert.Equal(t, prefix, q.Get("prefix"))

		switch q.Get("marker") {
		case "":
			w.Write([]byte(listingPage(true, prefix+"BTCUSDT-trades-2023-08-21.zip.CHECKSUM",
				prefix+"BTCUSDT-trades-2023-08-21.zip",
				prefix+"BTCUSDT-trades-2023-08-21.zip.CHECKSUM")))
		case prefix + "BTCUSDT-trades-2023-08-21.zip.CHECKSUM":
			w.Write([]byte(listingPage(false, "",
				prefix+"BTCUSDT-trades-2023-08-20.zip",
				prefix+"BTCUSDT-trades-2023-08-22.zip")))
		default:
			t.Errorf("unexpected marker %q", q.Get("marker"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	c := newTestCatalog(t, server.URL, t.TempDir())
	names, err := c.List(t.Context(), "BTCUSDT", schema.DataKindTrades)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"BTCUSDT-trades-2023-08-20.zip",
		"BTCUSDT-trades-2023-08-21.zip",
		"BTCUSDT-trades-2023-08-22.zip",
	}, names)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCatalog_ListFallsBackToLastKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("marker") == "" {
			w.Write([]byte(listingPage(true, "", prefix+"BTCUSDT-trades-2023-08-20.zip")))
			return
		}
		assert.Equal(t, prefix+"BTCUSDT-trades-2023-08-20.zip", r.URL.Query().Get("marker"))
		w.Write([]byte(listingPage(false, "", prefix+"BTCUSDT-trades-2023-08-21.zip")))
	}))
	defer server.Close()

	names, err := newTestCatalog(t, server.URL, t.TempDir()).List(t.Context(), "BTCUSDT", schema.DataKindTrades)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestCatalog_ListRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestCatalog(t, server.URL, t.TempDir()).List(t.Context(), "BTCUSDT", schema.DataKindTrades)
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrNetwork)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.EqualValues(t, 3, calls.Load())
}

func TestLocalIgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"BTCUSDT-trades-2023-08-20.zip",
		"TEMP_BTCUSDT-trades-2023-08-21.zip",
		"ETHUSDT-trades-2023-08-20.zip",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	names, err := Local(dir, "BTCUSDT", schema.DataKindTrades)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT-trades-2023-08-20.zip"}, names)

	names, err = Local(filepath.Join(dir, "missing"), "BTCUSDT", schema.DataKindTrades)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDiff(t *testing.T) {
	remote := []string{"c.zip", "a.zip", "b.zip"}
	local := []string{"b.zip", "z.zip"}

	worklist := Diff(remote, local)
	assert.Equal(t, []string{"a.zip", "c.zip"}, worklist)

	// Once the worklist is downloaded nothing is left to fetch.
	assert.Empty(t, Diff(remote, append(local, worklist...)))
	assert.Empty(t, Diff(nil, local))
}

func TestCatalog_Worklist(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listingPage(false, "",
			prefix+"BTCUSDT-trades-2023-08-20.zip",
			prefix+"BTCUSDT-trades-2023-08-21.zip")))
	}))
	defer server.Close()

	root := t.TempDir()
	dir := filepath.Join(root, "trades", "BTCUSDT")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT-trades-2023-08-20.zip"), []byte("x"), 0644))

	refs, err := newTestCatalog(t, server.URL, root).Worklist(t.Context(), "BTCUSDT", schema.DataKindTrades)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	ref := refs[0]
	assert.Equal(t, "BTCUSDT-trades-2023-08-21.zip", ref.Filename)
	assert.Equal(t, "2023-08-21", ref.Date)
	assert.Equal(t, domain.StatusPending, ref.Status)
	assert.Equal(t, filepath.Join(dir, ref.Filename), ref.LocalPath)
	assert.Equal(t, "https://archives.example.com/"+prefix+ref.Filename, ref.RemoteURL)
}
