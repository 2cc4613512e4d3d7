// Package pricing is the inbound surface of the price subsystem: single,
// bulk and historical lookups, forced refreshes and status.
package pricing

import (
	"context"
	"errors"
	"strings"
	"time"

	"priceresolver/internal/cache"
	"priceresolver/internal/price"
	"priceresolver/internal/resolver"
	"priceresolver/internal/tracker"
)

// ErrInvalidTicker is returned for empty tickers.
var ErrInvalidTicker = errors.New("invalid ticker")

// RefreshStatus is the part of the scheduler the service reports on.
type RefreshStatus interface {
	LastRefresh() time.Time
	Running() bool
}

// Status summarises the subsystem.
type Status struct {
	ActiveTickers       int            `json:"active_tickers"`
	InactiveTickerCount int            `json:"inactive_ticker_count"`
	InactiveTickers     []price.Ticker `json:"inactive_tickers"`
	LastRefresh         *time.Time     `json:"last_refresh,omitempty"`
	RefreshRunning      bool           `json:"refresh_running"`
	CachedEntries       int            `json:"cached_entries"`
	DisabledSources     []string       `json:"disabled_sources"`
}

// Service wires the resolver, cache and tracker behind one API.
type Service struct {
	resolver *resolver.Resolver
	cache    *cache.Cache
	tracker  *tracker.Tracker
	refresh  RefreshStatus
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRefreshStatus reports the last refresh of the given scheduler in Status.
func WithRefreshStatus(r RefreshStatus) Option {
	return func(s *Service) {
		s.refresh = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(r *resolver.Resolver, c *cache.Cache, t *tracker.Tracker, opts ...Option) *Service {
	s := &Service{
		resolver: r,
		cache:    c,
		tracker:  t,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func normalize(ticker string) (price.Ticker, error) {
	t := price.NormalizeTicker(ticker)
	if t == "" {
		return "", ErrInvalidTicker
	}
	return t, nil
}

// GetPrice returns the live price of ticker.
func (s *Service) GetPrice(ctx context.Context, ticker string) (price.Record, error) {
	t, err := normalize(ticker)
	if err != nil {
		return price.Record{}, err
	}
	out := s.resolver.Resolve(ctx, price.LiveKey(t))
	return out.Record, out.Err
}

// GetPrices returns the live prices of tickers, one outcome per distinct
// normalized ticker. Empty tickers are ignored.
func (s *Service) GetPrices(ctx context.Context, tickers []string) map[price.Ticker]resolver.Outcome {
	keys := make([]price.Key, 0, len(tickers))
	for _, raw := range tickers {
		if t, err := normalize(raw); err == nil {
			keys = append(keys, price.LiveKey(t))
		}
	}

	results := s.resolver.ResolveMany(ctx, keys)
	out := make(map[price.Ticker]resolver.Outcome, len(results))
	for k, o := range results {
		out[k.Ticker] = o
	}
	return out
}

// GetHistoricalPrice returns the price of ticker on date. Dates after today
// resolve to the live price.
func (s *Service) GetHistoricalPrice(ctx context.Context, ticker string, date time.Time) (price.Record, error) {
	t, err := normalize(ticker)
	if err != nil {
		return price.Record{}, err
	}

	asOf := price.Date(date)
	if string(asOf) > string(price.Date(s.now())) {
		asOf = price.Live
	}
	out := s.resolver.Resolve(ctx, price.Key{Ticker: t, AsOf: asOf})
	return out.Record, out.Err
}

// ForceRefresh re-fetches the live price of ticker, ignoring the cache.
func (s *Service) ForceRefresh(ctx context.Context, ticker string) (price.Record, error) {
	t, err := normalize(ticker)
	if err != nil {
		return price.Record{}, err
	}
	out := s.resolver.Resolve(ctx, price.LiveKey(t), resolver.BypassCache())
	return out.Record, out.Err
}

// Reactivate clears the failure state of ticker. It reports whether the
// ticker had been deactivated.
func (s *Service) Reactivate(ticker string) (bool, error) {
	t, err := normalize(ticker)
	if err != nil {
		return false, err
	}
	return s.tracker.Reactivate(t), nil
}

// ErrorState returns the failure bookkeeping of ticker.
func (s *Service) ErrorState(ticker string) (tracker.State, bool) {
	t, err := normalize(ticker)
	if err != nil {
		return tracker.State{}, false
	}
	return s.tracker.State(t)
}

// Status returns a snapshot of the subsystem.
func (s *Service) Status() Status {
	active, _ := s.tracker.Counts()
	st := Status{
		ActiveTickers:   active,
		InactiveTickers: s.tracker.Inactive(),
		CachedEntries:   s.cache.Len(),
		DisabledSources: s.resolver.DisabledSources(),
	}
	if st.InactiveTickers == nil {
		st.InactiveTickers = []price.Ticker{}
	}
	st.InactiveTickerCount = len(st.InactiveTickers)
	if s.refresh != nil {
		if last := s.refresh.LastRefresh(); !last.IsZero() {
			st.LastRefresh = &last
		}
		st.RefreshRunning = s.refresh.Running()
	}
	return st
}

// ParseTickers splits a comma separated ticker list.
func ParseTickers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
