package restapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeRateLimiter_LimitInfo(t *testing.T) {
	l := NewSafeRateLimiter(RateLimits{ListingPerMinute: 100})
	assert.Equal(t, "80 req/min (with 20% buffer)", l.GetLimitInfo(EndpointListing))
	assert.Equal(t, "unlimited", l.GetLimitInfo(EndpointArchive))
	assert.Equal(t, "Unknown endpoint", l.GetLimitInfo("other"))

	var nilLimiter *SafeRateLimiter
	assert.Equal(t, "unlimited", nilLimiter.GetLimitInfo(EndpointExport))
}

func TestSafeRateLimiter_WaitPaces(t *testing.T) {
	// 6000/min with the buffer is one request every 12.5ms.
	l := NewSafeRateLimiter(RateLimits{ListingPerMinute: 6000})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(t.Context(), EndpointListing))
	}
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	start = time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(t.Context(), EndpointArchive))
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestSafeRateLimiter_WaitHonoursContext(t *testing.T) {
	l := NewSafeRateLimiter(RateLimits{ExportPerMinute: 1})
	require.NoError(t, l.Wait(t.Context(), EndpointExport))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, EndpointExport))

	// Unknown endpoints share the export limiter.
	assert.Error(t, l.Wait(ctx, "other"))

	var nilLimiter *SafeRateLimiter
	assert.NoError(t, nilLimiter.Wait(ctx, EndpointExport))
}
