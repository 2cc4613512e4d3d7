package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"priceresolver/internal/amfi"
	"priceresolver/internal/cache"
	"priceresolver/internal/config"
	"priceresolver/internal/pricing"
	"priceresolver/internal/ratelimit"
	"priceresolver/internal/resolver"
	"priceresolver/internal/router"
	"priceresolver/internal/scheduler"
	"priceresolver/internal/store"
	"priceresolver/internal/tracker"
	"priceresolver/internal/yahoo"
)

// app holds the wired subsystem for one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	cache     *cache.Cache
	tracker   *tracker.Tracker
	resolver  *resolver.Resolver
	scheduler *scheduler.Scheduler
	service   *pricing.Service

	sink        *store.PostgresSink
	writeBehind *store.WriteBehind
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	table, err := router.ParseTable(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("invalid chains: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimits)

	quote := yahoo.NewQuoteClient(cfg.YahooQuoteBaseURL, cfg.RequestTimeout, limiter)
	chart := yahoo.NewChartClient(cfg.YahooChartBaseURL, cfg.RequestTimeout, limiter,
		yahoo.WithSuffixes(cfg.ExchangeSuffixes...),
		yahoo.WithWindowDays(cfg.HistoryWindowDays),
		yahoo.WithConcurrency(cfg.ChartConcurrency),
	)
	nav := amfi.NewNAVClient(cfg.AMFINavURL, cfg.MFAPIBaseURL, cfg.RequestTimeout, limiter,
		amfi.WithWindowDays(cfg.NAVWindowDays),
		amfi.WithConcurrency(cfg.ChartConcurrency),
	)

	classifier := router.NewHeuristicClassifier(cfg.MutualFundTickers, cfg.EquityTickers)
	rt := router.New(classifier, table, quote, chart, nav)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		cache:   cache.New(cfg.CacheFreshness),
		tracker: tracker.New(cfg.FailureThreshold, tracker.WithLogger(logger)),
	}

	opts := []resolver.Option{
		resolver.WithLogger(logger),
		resolver.WithRetryPolicy(cfg.RateLimitRetries, cfg.BackoffInitial, cfg.BackoffMax),
	}
	if cfg.DatabaseURL != "" {
		sink, err := store.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := sink.Migrate(ctx); err != nil {
				sink.Close()
				return nil, err
			}
		}
		a.sink = sink
		a.restore(ctx)
		a.writeBehind = store.NewWriteBehind(sink, cfg.WriteBehindQueue, store.WithLogger(logger))
		opts = append(opts, resolver.WithRecorder(a.writeBehind))
	}

	a.resolver = resolver.New(rt, a.cache, a.tracker, opts...)
	a.scheduler = scheduler.New(a.resolver, a.cache, cfg.RefreshInterval,
		scheduler.WithLogger(logger),
		scheduler.WithTimeout(cfg.RefreshTimeout),
	)
	a.service = pricing.New(a.resolver, a.cache, a.tracker, pricing.WithRefreshStatus(a.scheduler))
	return a, nil
}

// restore seeds the cache with the live records persisted by a previous
// process. They keep their original fetch time, so they only serve lookups
// while still fresh, but they put their tickers back on the refresh work list.
func (a *app) restore(ctx context.Context) {
	records, err := a.sink.LoadLive(ctx)
	if err != nil {
		a.logger.Warn("could not restore live records", "error", err)
		return
	}
	for _, rec := range records {
		a.cache.Put(rec)
	}
	a.logger.Info("live records restored", "records", len(records))
}

// warm resolves the configured tracked tickers so the refresh scheduler has
// a work list from the start.
func (a *app) warm(ctx context.Context) {
	if len(a.cfg.TrackedTickers) == 0 {
		return
	}
	failed := 0
	for t, out := range a.service.GetPrices(ctx, a.cfg.TrackedTickers) {
		if out.Err != nil {
			failed++
			a.logger.Warn("tracked ticker unresolved", "ticker", t, "error", out.Err)
		}
	}
	a.logger.Info("cache warmed", "tickers", len(a.cfg.TrackedTickers), "failed", failed)
}

// close stops background work and flushes pending writes.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if a.writeBehind != nil {
		if err := a.writeBehind.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush write-behind queue: %w", err))
		}
		stats := a.writeBehind.Stats()
		a.logger.Info("persistence stopped",
			"persisted", stats.Persisted,
			"failed", stats.Failed,
			"dropped", stats.Dropped)
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
