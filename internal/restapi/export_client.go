package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/retry"
	"github.com/trade-engine/hist-ingest/pkg/exception"
)

const (
	DefaultExportBaseURL = "https://api.binance.com/sapi/v1"
	DefaultDataType      = "T_DEPTH"
	DefaultPollInterval  = 10 * time.Second
)

// ExportClient drives the three-step authenticated order-book export:
// request a job, poll for its link, then download the link.
type ExportClient struct {
	baseURL      string
	signer       *Signer
	client       *http.Client
	logger       *zap.Logger
	limiter      *SafeRateLimiter
	retry        retry.Policy
	pollInterval time.Duration
}

// ExportOption configures an ExportClient.
type ExportOption func(*ExportClient)

func WithHTTPClient(hc *http.Client) ExportOption {
	return func(c *ExportClient) { c.client = hc }
}

func WithRateLimiter(l *SafeRateLimiter) ExportOption {
	return func(c *ExportClient) { c.limiter = l }
}

func WithRetryPolicy(p retry.Policy) ExportOption {
	return func(c *ExportClient) { c.retry = p }
}

func WithPollInterval(d time.Duration) ExportOption {
	return func(c *ExportClient) { c.pollInterval = d }
}

func NewExportClient(baseURL string, signer *Signer, logger *zap.Logger, opts ...ExportOption) *ExportClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = DefaultExportBaseURL
	}
	c := &ExportClient{
		baseURL: baseURL,
		signer:  signer,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       logger,
		retry:        retry.Default(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExportRequest selects one symbol over [Start, End].
type ExportRequest struct {
	Symbol   string
	Start    time.Time
	End      time.Time
	DataType string
}

// DownloadLink is a ready export.
type DownloadLink struct {
	Link           string
	ExpirationTime int64
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RequestExport submits an export job and returns its download id.
func (c *ExportClient) RequestExport(ctx context.Context, req ExportRequest) (string, error) {
	dataType := req.DataType
	if dataType == "" {
		dataType = DefaultDataType
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("startTime", strconv.FormatInt(req.Start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(req.End.UnixMilli(), 10))
	params.Set("dataType", dataType)

	var resp struct {
		ID json.Number `json:"id"`
	}
	if err := c.signedJSON(ctx, http.MethodPost, "/futuresHistDataId", params, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", exception.Network("export request", fmt.Errorf("response carried no download id"))
	}

	c.logger.Info("Export job requested",
		zap.String("symbol", req.Symbol),
		zap.String("data_type", dataType),
		zap.String("download_id", resp.ID.String()))
	return resp.ID.String(), nil
}

// WaitLink polls until the export identified by downloadID has a link.
func (c *ExportClient) WaitLink(ctx context.Context, downloadID string) (DownloadLink, error) {
	params := url.Values{}
	params.Set("downloadId", downloadID)

	for {
		var body map[string]json.RawMessage
		if err := c.signedJSON(ctx, http.MethodGet, "/downloadLink", params, &body); err != nil {
			return DownloadLink{}, err
		}

		if rawExp, ok := body["expirationTime"]; ok {
			var link DownloadLink
			if err := json.Unmarshal(rawExp, &link.ExpirationTime); err != nil {
				return DownloadLink{}, exception.Network("export link", fmt.Errorf("decode expirationTime: %w", err))
			}
			if err := json.Unmarshal(body["link"], &link.Link); err != nil || link.Link == "" {
				return DownloadLink{}, exception.Network("export link", fmt.Errorf("response carried no link"))
			}
			c.logger.Info("Export link ready",
				zap.String("download_id", downloadID),
				zap.Int64("expiration_time", link.ExpirationTime))
			return link, nil
		}

		c.logger.Debug("Export link not ready yet",
			zap.String("download_id", downloadID),
			zap.Duration("retry_in", c.pollInterval))

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return DownloadLink{}, exception.Network("export link", ctx.Err())
		case <-timer.C:
		}
	}
}

// signedJSON performs one signed call under the retry policy and decodes the
// JSON response into out.
func (c *ExportClient) signedJSON(ctx context.Context, method, path string, params url.Values, out any) error {
	outcome := c.retry.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx, EndpointExport); err != nil {
			return retry.Permanent(err)
		}

		fullURL := c.baseURL + path + "?" + c.signer.Sign(params)
		req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set(APIKeyHeader, c.signer.APIKey())
		req.Header.Set("User-Agent", "trade-engine-hist-ingest/1.0")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			c.logger.Warn("Export call returned non-success status",
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", body))
			return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		if err := json.Unmarshal(body, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode failed: %w", err))
		}
		return nil
	})
	if outcome.Err != nil {
		return exception.Network(path, outcome.Err)
	}
	return nil
}
