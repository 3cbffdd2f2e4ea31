package restapi

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// EndpointType represents different remote endpoint categories
type EndpointType string

const (
	EndpointListing EndpointType = "listing"
	EndpointArchive EndpointType = "archive"
	EndpointExport  EndpointType = "export"
)

// RateLimits holds requests-per-minute for each endpoint category.
// Zero means unlimited.
type RateLimits struct {
	ListingPerMinute float64 `yaml:"listing_per_minute"`
	ArchivePerMinute float64 `yaml:"archive_per_minute"`
	ExportPerMinute  float64 `yaml:"export_per_minute"`
}

// DefaultRateLimits keeps well under the public data host limits.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		ListingPerMinute: 600,
		ArchivePerMinute: 1200,
		ExportPerMinute:  60,
	}
}

// SafeRateLimiter manages rate limiting with safety buffers
type SafeRateLimiter struct {
	limiters map[EndpointType]*rate.Limiter
	perMin   map[EndpointType]float64
}

// NewSafeRateLimiter applies a 20% safety buffer to every configured limit.
func NewSafeRateLimiter(limits RateLimits) *SafeRateLimiter {
	const safetyFactor = 0.8 // 20% buffer

	s := &SafeRateLimiter{
		limiters: make(map[EndpointType]*rate.Limiter),
		perMin:   make(map[EndpointType]float64),
	}
	for endpoint, perMinute := range map[EndpointType]float64{
		EndpointListing: limits.ListingPerMinute,
		EndpointArchive: limits.ArchivePerMinute,
		EndpointExport:  limits.ExportPerMinute,
	} {
		if perMinute <= 0 {
			s.limiters[endpoint] = rate.NewLimiter(rate.Inf, 1)
			continue
		}
		effective := perMinute * safetyFactor
		s.perMin[endpoint] = effective
		s.limiters[endpoint] = rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/effective)), 1)
	}
	return s
}

// Wait waits for the rate limiter to allow the request. A nil limiter never
// blocks.
func (s *SafeRateLimiter) Wait(ctx context.Context, endpoint EndpointType) error {
	if s == nil {
		return nil
	}
	limiter, ok := s.limiters[endpoint]
	if !ok {
		// Unknown endpoint, use most conservative limit (export)
		limiter = s.limiters[EndpointExport]
	}

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}
	return nil
}

// GetLimitInfo returns human-readable rate limit info
func (s *SafeRateLimiter) GetLimitInfo(endpoint EndpointType) string {
	if s == nil {
		return "unlimited"
	}
	if _, ok := s.limiters[endpoint]; !ok {
		return "Unknown endpoint"
	}
	perMin, ok := s.perMin[endpoint]
	if !ok {
		return "unlimited"
	}
	return fmt.Sprintf("%.0f req/min (with 20%% buffer)", perMin)
}
