package yahoo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"resty.dev/v3"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/ratelimit"
)

const (
	// ChartSourceID identifies the daily chart source in fallback chains
	ChartSourceID = "historical-equity"

	defaultWindowDays  = 30
	defaultConcurrency = 4
	liveLookback       = 7 * 24 * time.Hour
)

// ist is the exchange time zone; trading days are IST calendar days.
var ist = time.FixedZone("IST", 5*60*60+30*60)

// marketDay returns the IST calendar day of t as midnight UTC.
func marketDay(t time.Time) time.Time {
	y, m, d := t.In(ist).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ChartResponse represents the Yahoo Finance v8 chart response
type ChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol    string `json:"symbol"`
				LongName  string `json:"longName"`
				ShortName string `json:"shortName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// ChartClient resolves equity prices from daily candles. It serves both dated
// keys (nearest close within a window) and live keys (latest close), trying
// each exchange suffix in turn.
type ChartClient struct {
	client      *resty.Client
	limiter     *ratelimit.Limiter
	suffixes    []string
	windowDays  int
	concurrency int
	now         func() time.Time
}

// ChartOption configures a ChartClient
type ChartOption func(*ChartClient)

// WithSuffixes sets the exchange suffixes tried in order, e.g. ".NS", ".BO"
func WithSuffixes(suffixes ...string) ChartOption {
	return func(c *ChartClient) {
		if len(suffixes) > 0 {
			c.suffixes = suffixes
		}
	}
}

// WithWindowDays sets how far from the requested date a close may be
func WithWindowDays(days int) ChartOption {
	return func(c *ChartClient) {
		if days > 0 {
			c.windowDays = days
		}
	}
}

// WithConcurrency bounds the number of symbols fetched at once
func WithConcurrency(n int) ChartOption {
	return func(c *ChartClient) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) ChartOption {
	return func(c *ChartClient) {
		c.now = now
	}
}

// NewChartClient creates a new chart client
func NewChartClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, opts ...ChartOption) *ChartClient {
	c := &ChartClient{
		client:      fetcher.NewHTTPClient(baseURL, timeout),
		limiter:     limiter,
		suffixes:    []string{".NS", ".BO"},
		windowDays:  defaultWindowDays,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements fetcher.Client
func (c *ChartClient) ID() string {
	return ChartSourceID
}

// FetchOne implements fetcher.Client
func (c *ChartClient) FetchOne(ctx context.Context, key price.Key) (price.Record, error) {
	return c.fetch(ctx, key)
}

// FetchBulk implements fetcher.Client. The chart endpoint takes one symbol per
// request, so keys are fetched concurrently.
func (c *ChartClient) FetchBulk(ctx context.Context, keys []price.Key) (fetcher.Batch, error) {
	b := fetcher.NewBatch(len(keys))
	var mu sync.Mutex

	p := pool.New().WithMaxGoroutines(c.concurrency)
	for _, key := range keys {
		p.Go(func() {
			rec, err := c.fetch(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.Fail(key, err)
				return
			}
			b.Add(rec)
		})
	}
	p.Wait()

	return b, nil
}

func (c *ChartClient) fetch(ctx context.Context, key price.Key) (price.Record, error) {
	var lastErr error
	for _, suffix := range c.suffixes {
		rec, err := c.fetchSymbol(ctx, key, string(key.Ticker)+suffix)
		if err == nil {
			return rec, nil
		}
		if fetcher.KindOf(err) != fetcher.KindNotFound {
			return price.Record{}, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fetcher.NewNotFoundError(ChartSourceID, "no exchange suffixes configured")
	}
	return price.Record{}, lastErr
}

func (c *ChartClient) fetchSymbol(ctx context.Context, key price.Key, symbol string) (price.Record, error) {
	now := c.now()
	from, to := now.Add(-liveLookback), now
	var target time.Time
	if !key.AsOf.IsLive() {
		d, err := key.AsOf.Time()
		if err != nil {
			return price.Record{}, fetcher.NewNotFoundError(ChartSourceID, err.Error())
		}
		target = d
		window := time.Duration(c.windowDays) * 24 * time.Hour
		from = d.Add(-window)
		to = d.Add(window + 24*time.Hour)
		if to.After(now) {
			to = now
		}
		if !from.Before(to) {
			return price.Record{}, fetcher.NewNotFoundError(ChartSourceID, "date "+string(key.AsOf)+" is in the future")
		}
	}

	if err := c.limiter.Wait(ctx, ChartSourceID); err != nil {
		return price.Record{}, fetcher.ClassifyTransportError(ChartSourceID, err)
	}

	var result ChartResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParams(map[string]string{
			"interval": "1d",
			"period1":  strconv.FormatInt(from.Unix(), 10),
			"period2":  strconv.FormatInt(to.Unix(), 10),
		}).
		SetResult(&result).
		Get("/v8/finance/chart/{symbol}")
	if ferr := fetcher.ClassifyResponse(ChartSourceID, resp, err); ferr != nil {
		return price.Record{}, ferr
	}

	if e := result.Chart.Error; e != nil {
		return price.Record{}, fetcher.NewNotFoundError(ChartSourceID, fmt.Sprintf("%s: %s", e.Code, e.Description))
	}
	if len(result.Chart.Result) == 0 || len(result.Chart.Result[0].Indicators.Quote) == 0 {
		return price.Record{}, fetcher.NewNotFoundError(ChartSourceID, "no chart data for "+symbol)
	}

	r := result.Chart.Result[0]
	candles := candlesOf(r.Timestamp, r.Indicators.Quote[0].Close)

	var (
		picked candle
		found  bool
	)
	if key.AsOf.IsLive() {
		picked, found = latest(candles)
	} else {
		picked, found = nearest(candles, target, c.windowDays)
	}
	if !found {
		return price.Record{}, fetcher.NewNotFoundError(ChartSourceID, fmt.Sprintf("no close for %s near %s", symbol, key.AsOf))
	}

	return price.Record{
		Ticker:     key.Ticker,
		AsOf:       key.AsOf,
		Price:      picked.close,
		Name:       displayName(r.Meta.LongName, r.Meta.ShortName),
		Source:     ChartSourceID,
		MarketDate: picked.day,
		FetchedAt:  now,
	}, nil
}

// displayName prefers Yahoo's long name and falls back to the short one.
func displayName(long, short string) string {
	if name := strings.TrimSpace(long); name != "" {
		return name
	}
	return strings.TrimSpace(short)
}

type candle struct {
	day   time.Time
	close decimal.Decimal
}

// candlesOf pairs timestamps with closes, dropping days without a close.
func candlesOf(timestamps []int64, closes []*float64) []candle {
	out := make([]candle, 0, len(timestamps))
	for i, ts := range timestamps {
		if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		out = append(out, candle{
			day:   marketDay(time.Unix(ts, 0)),
			close: decimal.NewFromFloat(*closes[i]),
		})
	}
	return out
}

func latest(candles []candle) (candle, bool) {
	if len(candles) == 0 {
		return candle{}, false
	}
	return candles[len(candles)-1], true
}

// nearest returns the candle closest to target within windowDays.
// On a tie the earlier day wins.
func nearest(candles []candle, target time.Time, windowDays int) (candle, bool) {
	var (
		best     candle
		bestDist = -1
	)
	for _, c := range candles {
		dist := int(c.day.Sub(target).Hours() / 24)
		if dist < 0 {
			dist = -dist
		}
		if dist > windowDays {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best, bestDist >= 0
}
