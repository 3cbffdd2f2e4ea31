package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trade-engine/hist-ingest/internal/catalog"
	"github.com/trade-engine/hist-ingest/internal/config"
	"github.com/trade-engine/hist-ingest/internal/fetch"
	"github.com/trade-engine/hist-ingest/internal/metadata"
	"github.com/trade-engine/hist-ingest/internal/metrics"
	"github.com/trade-engine/hist-ingest/internal/restapi"
	"github.com/trade-engine/hist-ingest/internal/retry"
	"github.com/trade-engine/hist-ingest/internal/services"
	"github.com/trade-engine/hist-ingest/internal/sink/arrow"
	"github.com/trade-engine/hist-ingest/internal/storage"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

// Application wires the pipeline for one CLI invocation.
type Application struct {
	cfg     *config.Config
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	runID   string
	layout  storage.Layout
	limiter *restapi.SafeRateLimiter
	metrics *metrics.Metrics
	server  *http.Server
}

func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := createLogger(cfg.Application.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := &Application{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		runID:   uuid.NewString(),
		layout:  storage.NewLayout(cfg.Storage.BasePath),
		limiter: restapi.NewSafeRateLimiter(cfg.Remote.RateLimits),
		metrics: metrics.NewMetrics(registry),
	}

	if cfg.Monitoring.Prometheus.Enabled {
		app.startMetricsServer(registry)
	}

	logger.Info("Starting hist-ingest",
		zap.String("version", cfg.Application.Version),
		zap.String("run_id", app.runID),
		zap.String("data_dir", cfg.Storage.BasePath))
	logger.Debug("Rate limits",
		zap.String("listing", app.limiter.GetLimitInfo(restapi.EndpointListing)),
		zap.String("archive", app.limiter.GetLimitInfo(restapi.EndpointArchive)),
		zap.String("export", app.limiter.GetLimitInfo(restapi.EndpointExport)))
	return app, nil
}

func (a *Application) startMetricsServer(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Monitoring.Prometheus.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	a.server = &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Monitoring.Prometheus.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("Metrics server starting", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

func (a *Application) retryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: a.cfg.Fetch.MaxAttempts, Delay: a.cfg.Fetch.RetryDelay}
}

func (a *Application) newPool() *fetch.Pool {
	progress := func(res fetch.Result, completed int64) {
		if res.Outcome != fetch.OutcomeDownloaded {
			a.logger.Warn("Archive not downloaded",
				zap.String("symbol", res.Ref.Symbol),
				zap.String("file", res.Ref.Filename),
				zap.String("outcome", string(res.Outcome)),
				zap.Int64("completed", completed),
				zap.Error(res.Err))
		}
	}

	return fetch.NewPool(fetch.Config{
		Workers:        a.cfg.Fetch.Workers,
		RequestTimeout: a.cfg.Fetch.RequestTimeout,
		BatchTimeout:   a.cfg.Fetch.BatchTimeout,
		SkipDelay:      a.cfg.Fetch.SkipDelay,
		Retry:          a.retryPolicy(),
	}, a.logger,
		fetch.WithRateLimiter(a.limiter),
		fetch.WithMetrics(a.metrics),
		fetch.WithObserver(progress))
}

// Download mirrors the public archives of symbols for each kind.
func (a *Application) Download(symbols []string, kinds []schema.DataKind) error {
	if len(symbols) == 0 {
		return errors.New("no symbols configured")
	}

	cat := catalog.New(a.layout, a.logger,
		catalog.WithEndpoints(a.cfg.Remote.ListingURL, a.cfg.Remote.ArchiveBaseURL, a.cfg.Remote.MarketPrefix),
		catalog.WithRateLimiter(a.limiter),
		catalog.WithRetryPolicy(a.retryPolicy()))

	d := services.NewDownloader(a.layout, cat, a.newPool(), a.logger, a.runID)
	d.SetLockTimeout(a.cfg.Storage.LockTimeout)

	syncState, err := metadata.LoadSyncState(a.layout.SyncStatePath())
	if err != nil {
		a.logger.Warn("Ignoring unreadable sync state", zap.Error(err))
		syncState = &metadata.SyncState{}
	}
	d.SetSyncState(syncState)
	reports, err := d.Run(a.ctx, symbols, kinds)

	var failed []error
	for _, r := range reports {
		if r.Err != nil {
			failed = append(failed, r.Err)
		}
		last := "never"
		if ts, ok := syncState.LastSync(r.Symbol, r.Kind); ok {
			last = ts.Format(time.RFC3339)
		}
		fmt.Printf("%-12s %-10s downloaded=%d skipped=%d failed=%d bytes=%d last_complete=%s\n",
			r.Symbol, r.Kind, r.Summary.Downloaded, r.Summary.Skipped, r.Summary.Failed, r.Summary.Bytes, last)
	}
	if err != nil {
		return err
	}
	return errors.Join(failed...)
}

// DownloadOrderBooks runs the authenticated export for symbols over [from, to].
func (a *Application) DownloadOrderBooks(symbols []string, from, to time.Time) error {
	if len(symbols) == 0 {
		return errors.New("no symbols configured")
	}
	if err := a.cfg.RequireCredentials(); err != nil {
		return err
	}

	signer, err := restapi.NewSigner(a.cfg.Credentials.APIKey, a.cfg.Credentials.APISecret)
	if err != nil {
		return err
	}
	client := restapi.NewExportClient(a.cfg.Remote.ExportBaseURL, signer, a.logger,
		restapi.WithRateLimiter(a.limiter),
		restapi.WithRetryPolicy(a.retryPolicy()),
		restapi.WithPollInterval(a.cfg.Export.PollInterval))

	o := services.NewOrderBookDownloader(a.layout, client, a.newPool(), a.logger, a.cfg.Export.Workers, a.cfg.Export.DataType)

	return storage.WithLock(a.layout.Root, "orderbook", a.runID, a.cfg.Storage.LockTimeout, func() error {
		files, err := o.Download(a.ctx, symbols, from, to)
		for symbol, paths := range files {
			fmt.Printf("%-12s unpacked=%d\n", symbol, len(paths))
		}
		return err
	})
}

// Convert merges every convertible date matched by filter.
func (a *Application) Convert(filter services.FileFilter) error {
	scanner := services.NewFileScanner(a.logger, a.layout)
	tables := arrow.NewWriter(a.logger, schema.ExchangeBinance, a.runID)
	converter := services.NewConverter(a.layout, tables, storage.NewManifest(a.layout.ManifestPath()), a.metrics, a.logger)

	return storage.WithLock(a.layout.Root, "convert", a.runID, a.cfg.Storage.LockTimeout, func() error {
		dates, err := scanner.ConvertibleDates(filter)
		if err != nil {
			return err
		}
		if len(dates) == 0 {
			a.logger.Warn("Nothing to convert", zap.String("symbol", filter.Symbol))
			return nil
		}

		results, err := converter.ConvertRange(a.ctx, filter.Symbol, dates)
		for _, r := range results {
			fmt.Printf("%s %s events=%d -> %s\n", r.Symbol, r.Date, r.Events, r.MergedPath)
		}
		return err
	})
}

// WriteConfig saves the effective configuration, defaults and environment
// overrides included. Credentials are never written.
func (a *Application) WriteConfig(path string) error {
	if err := a.cfg.Save(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	a.logger.Info("Configuration written", zap.String("path", path))
	return nil
}

// Inspect prints a summary of each converted file.
func (a *Application) Inspect(paths []string) error {
	reader := services.NewFileReaderService(a.logger)

	var failed []error
	for _, path := range paths {
		s, err := reader.GetFileSummary(path)
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Printf("%s\n  format=%s size=%d rows=%d sorted=%t\n  first_ts=%d last_ts=%d\n  counts=%v\n",
			s.Path, s.Format, s.SizeBytes, s.Rows, s.Sorted, s.FirstTS, s.LastTS, s.Counts)
		for k, v := range s.Metadata {
			fmt.Printf("  %s=%s\n", k, v)
		}
	}
	return errors.Join(failed...)
}

func (a *Application) handleSignals() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case sig := <-signalChan:
		a.logger.Info("Received signal, cancelling run", zap.String("signal", sig.String()))
		a.cancel()
	case <-a.ctx.Done():
	}
}

func (a *Application) Shutdown() {
	a.cancel()

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	a.logger.Sync()
}
