// Package fetch downloads archives with a bounded worker pool. Every archive
// is written under a TEMP_ name and renamed into place, so an interrupted run
// leaves nothing that looks like a finished download.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trade-engine/hist-ingest/internal/domain"
	"github.com/trade-engine/hist-ingest/internal/metrics"
	"github.com/trade-engine/hist-ingest/internal/restapi"
	"github.com/trade-engine/hist-ingest/internal/retry"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/exception"
)

const (
	DefaultWorkers        = 4
	DefaultRequestTimeout = 30 * time.Second
	DefaultBatchTimeout   = 24 * time.Hour
	DefaultSkipDelay      = time.Second
)

// Config controls pool behaviour.
type Config struct {
	Workers        int
	RequestTimeout time.Duration
	BatchTimeout   time.Duration
	SkipDelay      time.Duration
	Retry          retry.Policy
}

// DefaultConfig returns width 4, 30s per request, 24h per batch and the
// default retry policy.
func DefaultConfig() Config {
	return Config{
		Workers:        DefaultWorkers,
		RequestTimeout: DefaultRequestTimeout,
		BatchTimeout:   DefaultBatchTimeout,
		SkipDelay:      DefaultSkipDelay,
		Retry:          retry.Default(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.SkipDelay < 0 {
		c.SkipDelay = 0
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Outcome labels how a job ended.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSkipped    Outcome = "skipped" // non-success status
	OutcomeFailed     Outcome = "failed"  // transport errors exhausted retries
)

// Result is reported once per job.
type Result struct {
	Ref        domain.ArchiveRef
	Outcome    Outcome
	Attempts   int
	Bytes      int64
	StatusCode int
	Err        error
}

// Observer receives every job result together with the completed count.
// It is called from worker goroutines.
type Observer func(res Result, completed int64)

// Summary aggregates a batch.
type Summary struct {
	Total      int
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	Results    []Result
}

// Pool is a fixed-width downloader.
type Pool struct {
	cfg      Config
	client   *http.Client
	limiter  *restapi.SafeRateLimiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	observer Observer
}

// Option configures a Pool.
type Option func(*Pool)

func WithHTTPClient(hc *http.Client) Option {
	return func(p *Pool) { p.client = hc }
}

func WithRateLimiter(l *restapi.SafeRateLimiter) Option {
	return func(p *Pool) { p.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

func NewPool(cfg Config, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:    cfg,
		client: newHTTPClient(cfg.RequestTimeout),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// newHTTPClient bounds each blocking phase of a request up to the response
// headers. Body reads are bounded separately by an idle deadline in get, so a
// large archive may stream for as long as bytes keep arriving.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// Run downloads refs into dir. TEMP_ leftovers in dir are removed before the
// first job starts and after the last one ends. Skipped and failed jobs do not
// fail the batch; a filesystem error or the batch timeout does.
func (p *Pool) Run(ctx context.Context, dir string, refs []*domain.ArchiveRef) (Summary, error) {
	summary := Summary{Total: len(refs)}

	if err := p.removeIncomplete(dir); err != nil {
		return summary, err
	}

	batchCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	progress := metrics.NewProgress(dir, len(refs), 1, p.logger)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(p.cfg.Workers)

	for _, ref := range refs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := p.Fetch(gctx, ref)

			mu.Lock()
			summary.Results = append(summary.Results, res)
			switch res.Outcome {
			case OutcomeDownloaded:
				summary.Downloaded++
				summary.Bytes += res.Bytes
			case OutcomeSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			mu.Unlock()

			completed := progress.Done()
			if p.observer != nil {
				p.observer(res, completed)
			}
			return err
		})
	}

	runErr := g.Wait()

	if err := p.removeIncomplete(dir); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil && errors.Is(batchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = exception.Network("batch", fmt.Errorf("batch timeout %v exceeded", p.cfg.BatchTimeout))
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	p.logger.Info("Fetch batch finished",
		zap.String("dir", dir),
		zap.Int("total", summary.Total),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int64("bytes", summary.Bytes))

	return summary, runErr
}

func (p *Pool) removeIncomplete(dir string) error {
	removed, err := storage.RemoveIncomplete(dir)
	for _, path := range removed {
		p.logger.Info("Removed incomplete download", zap.String("file", path))
	}
	return err
}

// Fetch runs a single job. The returned error is non-nil only for failures
// that must abort the run (filesystem errors); everything else is reported in
// the Result.
func (p *Pool) Fetch(ctx context.Context, ref *domain.ArchiveRef) (Result, error) {
	if err := ref.Transition(domain.StatusDownloading); err != nil {
		return Result{Ref: *ref, Outcome: OutcomeFailed, Err: err}, nil
	}

	var (
		status int
		bytes  int64
	)
	outcome := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		status, bytes, err = p.get(ctx, ref)
		if errors.Is(err, exception.ErrFilesystem) {
			return retry.Permanent(err)
		}
		return err
	})

	res := Result{Attempts: outcome.Attempts, StatusCode: status}
	logFields := []zap.Field{
		zap.String("symbol", ref.Symbol),
		zap.String("file", ref.Filename),
		zap.Int("attempts", outcome.Attempts),
	}

	var fatal error
	switch {
	case outcome.Err != nil:
		ref.Transition(domain.StatusFailed)
		res.Outcome = OutcomeFailed
		res.Err = outcome.Err
		if errors.Is(outcome.Err, exception.ErrFilesystem) {
			fatal = outcome.Err
			p.logger.Error("Fetch aborted by filesystem error", append(logFields, zap.Error(outcome.Err))...)
		} else {
			p.logger.Warn("Fetch failed, archive left for the next run", append(logFields, zap.Error(outcome.Err))...)
		}
	case status != http.StatusOK:
		ref.Transition(domain.StatusFailed)
		res.Outcome = OutcomeSkipped
		res.Err = exception.Network("fetch", &restapi.StatusError{StatusCode: status})
		p.logger.Warn("Non-success status, skipping archive", append(logFields, zap.Int("status", status))...)
		p.pause(ctx)
	default:
		ref.Transition(domain.StatusDownloaded)
		res.Outcome = OutcomeDownloaded
		res.Bytes = bytes
		p.logger.Debug("Archive downloaded", append(logFields, zap.Int64("bytes", bytes))...)
	}

	res.Ref = *ref
	p.metrics.RecordDownload(string(ref.Kind), string(res.Outcome), res.Bytes)
	if res.Outcome != OutcomeDownloaded {
		p.metrics.RecordError("fetch", string(res.Outcome))
	}
	return res, fatal
}

// get performs one GET. A non-200 status is returned without an error so the
// caller can skip instead of retrying.
func (p *Pool) get(ctx context.Context, ref *domain.ArchiveRef) (int, int64, error) {
	if err := p.limiter.Wait(ctx, restapi.EndpointArchive); err != nil {
		return 0, 0, retry.Permanent(err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, ref.RemoteURL, nil)
	if err != nil {
		return 0, 0, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "trade-engine-hist-ingest/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, exception.Network("fetch", err)
	}
	defer resp.Body.Close()

	body := newTrackingReader(resp.Body, p.cfg.RequestTimeout, cancel)
	defer body.stop()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(body, 64<<10))
		return resp.StatusCode, 0, nil
	}
	n, err := storage.WriteAtomic(ref.LocalPath, func(w io.Writer) error {
		if _, err := io.Copy(w, body); err != nil {
			if body.err != nil {
				return exception.Network("fetch body", body.err)
			}
			return exception.Filesystem("write", storage.TempPath(ref.LocalPath), err)
		}
		return nil
	})
	if err != nil {
		return resp.StatusCode, 0, err
	}
	return resp.StatusCode, n, nil
}

func (p *Pool) pause(ctx context.Context) {
	if p.cfg.SkipDelay <= 0 {
		return
	}
	timer := time.NewTimer(p.cfg.SkipDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// trackingReader remembers read-side errors so they can be told apart from
// write-side ones after io.Copy. It also cancels the request when no byte
// arrives for idle.
type trackingReader struct {
	r       io.Reader
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
	err     error
}

func newTrackingReader(r io.Reader, idle time.Duration, cancel context.CancelFunc) *trackingReader {
	t := &trackingReader{r: r, idle: idle}
	t.timer = time.AfterFunc(idle, func() {
		t.stalled.Store(true)
		cancel()
	})
	return t
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.stalled.Load() {
		t.timer.Reset(t.idle)
	}
	if err != nil && err != io.EOF {
		if t.stalled.Load() {
			err = fmt.Errorf("no data received for %v: %w", t.idle, err)
		}
		t.err = err
	}
	return n, err
}

func (t *trackingReader) stop() {
	t.timer.Stop()
}
