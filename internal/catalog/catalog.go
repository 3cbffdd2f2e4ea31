// Package catalog discovers remote archives and diffs them against the local
// data directory.
package catalog

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/restapi"
	"github.com/trade-engine/hist-ingest/internal/retry"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

const (
	DefaultListingURL     = "https://s3-ap-northeast-1.amazonaws.com/data.binance.vision"
	DefaultArchiveBaseURL = "https://data.binance.vision"
	DefaultMarketPrefix   = "data/futures/um/daily"

	archiveExt = ".zip"
)

// Catalog lists the public archive bucket.
type Catalog struct {
	listingURL     string
	archiveBaseURL string
	marketPrefix   string
	client         *http.Client
	limiter        *restapi.SafeRateLimiter
	retry          retry.Policy
	layout         storage.Layout
	logger         *zap.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Catalog) { c.client = hc }
}

func WithRateLimiter(l *restapi.SafeRateLimiter) Option {
	return func(c *Catalog) { c.limiter = l }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Catalog) { c.retry = p }
}

// WithEndpoints overrides the listing host, the archive host and the market
// prefix. Empty values keep the defaults.
func WithEndpoints(listingURL, archiveBaseURL, marketPrefix string) Option {
	return func(c *Catalog) {
		if listingURL != "" {
			c.listingURL = strings.TrimRight(listingURL, "/")
		}
		if archiveBaseURL != "" {
			c.archiveBaseURL = strings.TrimRight(archiveBaseURL, "/")
		}
		if marketPrefix != "" {
			c.marketPrefix = strings.Trim(marketPrefix, "/")
		}
	}
}

func New(layout storage.Layout, logger *zap.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		listingURL:     DefaultListingURL,
		archiveBaseURL: DefaultArchiveBaseURL,
		marketPrefix:   DefaultMarketPrefix,
		client:         &http.Client{Timeout: 30 * time.Second},
		retry:          retry.Default(),
		layout:         layout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listBucketResult is the subset of the S3 ListObjects (v1) response we use.
type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	NextMarker  string   `xml:"NextMarker"`
	Contents    []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// Prefix is the bucket key prefix holding kind/symbol archives.
func (c *Catalog) Prefix(symbol string, kind schema.DataKind) string {
	return fmt.Sprintf("%s/%s/%s/", c.marketPrefix, kind, symbol)
}

// ArchiveURL is the public download URL for one archive.
func (c *Catalog) ArchiveURL(symbol string, kind schema.DataKind, filename string) string {
	return c.archiveBaseURL + "/" + c.Prefix(symbol, kind) + filename
}

// List returns every remote archive name for symbol/kind in ascending order.
func (c *Catalog) List(ctx context.Context, symbol string, kind schema.DataKind) ([]string, error) {
	prefix := c.Prefix(symbol, kind)
	seen := make(map[string]struct{})
	marker := ""

	for page := 1; ; page++ {
		var result listBucketResult
		outcome := c.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			result, err = c.fetchPage(ctx, prefix, marker)
			return err
		})
		if outcome.Err != nil {
			return nil, &exception.StageError{
				Kind:   exception.ErrNetwork,
				Stage:  "list",
				Symbol: symbol,
				Err:    outcome.Err,
			}
		}

		for _, content := range result.Contents {
			name := path.Base(content.Key)
			if strings.HasSuffix(name, archiveExt) {
				seen[name] = struct{}{}
			}
		}

		c.logger.Debug("Listed archive page",
			zap.String("prefix", prefix),
			zap.Int("page", page),
			zap.Int("keys", len(result.Contents)),
			zap.Bool("truncated", result.IsTruncated))

		if !result.IsTruncated {
			break
		}

		next := result.NextMarker
		if next == "" && len(result.Contents) > 0 {
			next = result.Contents[len(result.Contents)-1].Key
		}
		if next == "" || next == marker {
			return nil, exception.Network("list", fmt.Errorf("truncated listing for %s without a usable marker", prefix))
		}
		marker = next
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (c *Catalog) fetchPage(ctx context.Context, prefix, marker string) (listBucketResult, error) {
	var result listBucketResult

	if err := c.limiter.Wait(ctx, restapi.EndpointListing); err != nil {
		return result, retry.Permanent(err)
	}

	query := url.Values{}
	query.Set("delimiter", "/")
	query.Set("prefix", prefix)
	if marker != "" {
		query.Set("marker", marker)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.listingURL+"?"+query.Encode(), nil)
	if err != nil {
		return result, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, err
	}
	if resp.StatusCode != http.StatusOK {
		return result, &restapi.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := xml.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("decode listing: %w", err)
	}
	return result, nil
}

// Local returns the archive names already present in dir for symbol/kind,
// ignoring in-progress TEMP_ files. A missing dir yields an empty list.
func Local(dir, symbol string, kind schema.DataKind) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%s-%s-*", symbol, kind)))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if storage.IsTemp(m) {
			continue
		}
		names = append(names, filepath.Base(m))
	}
	slices.Sort(names)
	return names, nil
}

// Diff returns remote - local in ascending lexical order.
func Diff(remote, local []string) []string {
	have := make(map[string]struct{}, len(local))
	for _, name := range local {
		have[name] = struct{}{}
	}

	out := make([]string, 0, len(remote))
	for _, name := range remote {
		if _, ok := have[name]; ok {
			continue
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Worklist lists the remote archives for symbol/kind that are missing locally.
func (c *Catalog) Worklist(ctx context.Context, symbol string, kind schema.DataKind) ([]*domain.ArchiveRef, error) {
	dir, err := c.layout.Prepare(kind, symbol)
	if err != nil {
		return nil, err
	}

	remote, err := c.List(ctx, symbol, kind)
	if err != nil {
		return nil, err
	}
	local, err := Local(dir, symbol, kind)
	if err != nil {
		return nil, exception.Filesystem("scan", dir, err)
	}
	missing := Diff(remote, local)

	c.logger.Info("Archive catalog diff",
		zap.String("symbol", symbol),
		zap.String("kind", string(kind)),
		zap.Int("remote", len(remote)),
		zap.Int("local", len(local)),
		zap.Int("missing", len(missing)))

	refs := make([]*domain.ArchiveRef, 0, len(missing))
	for _, name := range missing {
		ref := &domain.ArchiveRef{
			Symbol:    symbol,
			Kind:      kind,
			Filename:  name,
			RemoteURL: c.ArchiveURL(symbol, kind, name),
			LocalPath: filepath.Join(dir, name),
			Status:    domain.StatusPending,
		}
		if _, _, date, err := domain.ParseArchiveName(name); err == nil {
			ref.Date = date
		}
		refs = append(refs, ref)
	}
	return refs, nil
}
