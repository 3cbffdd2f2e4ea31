package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-engine/hist-ingest/internal/config"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, splitList(" BTCUSDT, ,ETHUSDT ", nil))
	assert.Equal(t, []string{"X"}, splitList("", []string{"X"}))
}

func TestToKinds(t *testing.T) {
	assert.Equal(t, []schema.DataKind{schema.DataKindTrades, "aggTrades"}, toKinds([]string{"trades", "aggTrades"}))
}

func TestParseRange(t *testing.T) {
	from, to, err := parseRange("2024-01-01", "2024-01-31")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), to)

	_, _, err = parseRange("2024-01-02", "2024-01-01")
	assert.Error(t, err)
	_, _, err = parseRange("", "2024-01-01")
	assert.Error(t, err)
	_, _, err = parseRange("01/01/2024", "2024-01-01")
	assert.Error(t, err)
}

func TestCreateLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "other"} {
		logger, err := createLogger(level)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	assert.Error(t, run("explode", nil))
}

func TestRun_ConfigWritesEffectiveConfig(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("HIST_DATA_DIR", dataDir)
	t.Setenv("HIST_LOG_LEVEL", "error")
	t.Setenv("HIST_API_KEY", "secret-key")
	t.Setenv("HIST_API_SECRET", "secret-value")

	out := filepath.Join(t.TempDir(), "effective.yml")
	require.NoError(t, run("config", []string{"-out", out}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-key")
	assert.NotContains(t, string(data), "secret-value")

	loaded, err := config.LoadWithEnv(out, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, dataDir, loaded.Storage.BasePath)
	assert.Equal(t, "error", loaded.Application.LogLevel)
	assert.Equal(t, 5, loaded.Fetch.MaxAttempts)
}

func TestRun_ConfigRequiresOut(t *testing.T) {
	assert.Error(t, run("config", nil))
}
