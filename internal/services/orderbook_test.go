package services

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/extract"
	"github.com/trade-engine/hist-ingest/internal/restapi"
	"github.com/trade-engine/hist-ingest/internal/storage"
)

type fakeExporter struct {
	baseURL string
	mu      sync.Mutex
	reqs    []restapi.ExportRequest
	fail    map[string]error
	onWait  func(id string)
}

func (f *fakeExporter) RequestExport(ctx context.Context, req restapi.ExportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if err := f.fail[req.Symbol]; err != nil {
		return "", err
	}
	return req.Symbol, nil
}

func (f *fakeExporter) WaitLink(ctx context.Context, id string) (restapi.DownloadLink, error) {
	if f.onWait != nil {
		f.onWait(id)
	}
	return restapi.DownloadLink{Link: f.baseURL + "/bundle/" + id, ExpirationTime: 1}, nil
}

func TestOrderBookDownloader_Download(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	bundle := tarGz(t,
		tarMember{"BTCUSDT_T_DEPTH_2024-01-01.tar.gz", depthArchiveBytes(t, "BTCUSDT", "2024-01-01", "BTCUSDT,1,0,0,1,a,snap,1,1\n", "")},
		tarMember{"BTCUSDT_T_DEPTH_2024-01-02.tar.gz", depthArchiveBytes(t, "BTCUSDT", "2024-01-02", "", "")},
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bundle)
	}))
	defer server.Close()

	layout := storage.NewLayout(t.TempDir())
	exporter := &fakeExporter{
		baseURL: server.URL,
		fail:    map[string]error{"ETHUSDT": errors.New("export rejected")},
	}
	o := NewOrderBookDownloader(layout, exporter, testPool(server.Client()), zap.NewNop(), 2, "")

	files, err := o.Download(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, start, end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export rejected")

	require.Len(t, files["BTCUSDT"], 2)
	assert.Equal(t, layout.DepthArchive("BTCUSDT", "2024-01-01"), files["BTCUSDT"][0])
	_, _, err = extract.ReadDepthArchive(files["BTCUSDT"][0])
	require.NoError(t, err)

	bundlePath := filepath.Join(layout.ExportDir("BTCUSDT"), ExportName("BTCUSDT", restapi.DefaultDataType, start, end))
	_, err = os.Stat(bundlePath)
	assert.NoError(t, err)

	require.Len(t, exporter.reqs, 2)
	for _, req := range exporter.reqs {
		assert.Equal(t, restapi.DefaultDataType, req.DataType)
		assert.Equal(t, start, req.Start)
	}
}

func TestOrderBookDownloader_SweepsExportDirBeforeAndAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bundle := tarGz(t,
		tarMember{"BTCUSDT_T_DEPTH_2024-01-01.tar.gz", depthArchiveBytes(t, "BTCUSDT", "2024-01-01", "", "")},
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bundle)
	}))
	defer server.Close()

	layout := storage.NewLayout(t.TempDir())
	exportDir := layout.ExportDir("BTCUSDT")
	require.NoError(t, os.MkdirAll(exportDir, 0755))
	stale := filepath.Join(exportDir, "TEMP_previous.tar.gz")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0644))

	leftover := filepath.Join(exportDir, "TEMP_during.tar.gz")
	exporter := &fakeExporter{
		baseURL: server.URL,
		onWait: func(string) {
			assert.NoFileExists(t, stale)
			assert.NoError(t, os.WriteFile(leftover, []byte("half"), 0644))
		},
	}
	o := NewOrderBookDownloader(layout, exporter, testPool(server.Client()), zap.NewNop(), 1, "")

	files, err := o.Download(context.Background(), []string{"BTCUSDT"}, start, start)
	require.NoError(t, err)
	assert.Len(t, files["BTCUSDT"], 1)
	assert.NoFileExists(t, leftover)

	entries, err := os.ReadDir(exportDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ExportName("BTCUSDT", restapi.DefaultDataType, start, start), entries[0].Name())
}

func TestOrderBookDownloader_SweepsExportDirAfterFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	}))
	defer server.Close()

	layout := storage.NewLayout(t.TempDir())
	leftover := filepath.Join(layout.ExportDir("BTCUSDT"), "TEMP_during.tar.gz")
	exporter := &fakeExporter{
		baseURL: server.URL,
		onWait: func(string) {
			assert.NoError(t, os.MkdirAll(filepath.Dir(leftover), 0755))
			assert.NoError(t, os.WriteFile(leftover, []byte("half"), 0644))
		},
	}
	o := NewOrderBookDownloader(layout, exporter, testPool(server.Client()), zap.NewNop(), 1, "")

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := o.Download(context.Background(), []string{"BTCUSDT"}, day, day)
	require.Error(t, err)
	assert.NoFileExists(t, leftover)
}

func TestOrderBookDownloader_RejectsInvertedRange(t *testing.T) {
	o := NewOrderBookDownloader(storage.NewLayout(t.TempDir()), &fakeExporter{}, testPool(http.DefaultClient), zap.NewNop(), 0, "")
	_, err := o.Download(context.Background(), []string{"BTCUSDT"},
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestExportName(t *testing.T) {
	got := ExportName("BTCUSDT", "T_DEPTH",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, "BTCUSDT_T_DEPTH_2024-01-01_2024-01-31.tar.gz", got)
}
