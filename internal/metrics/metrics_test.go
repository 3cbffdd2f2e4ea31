package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDownload("trades", "downloaded", 100)
	m.RecordDownload("trades", "skipped", 0)
	m.RecordEvents("trade", 3)
	m.RecordError("map", "schema")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downloads.WithLabelValues("trades", "downloaded")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesFetched))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EventsWritten.WithLabelValues("trade")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var nilMetrics *Metrics
	nilMetrics.RecordDownload("trades", "failed", 0)
	nilMetrics.RecordError("fetch", "network")
}

func TestProgressConcurrent(t *testing.T) {
	p := NewProgress("test", 100, 10, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Done()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, p.Completed())
	assert.EqualValues(t, 100, p.Total())
}
