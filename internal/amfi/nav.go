// Package amfi implements the mutual fund NAV source: live NAVs come from the
// AMFI NAVAll.txt dump and dated NAVs from the mfapi.in scheme history.
package amfi

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"
	"resty.dev/v3"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/ratelimit"
)

const (
	// SourceID identifies the NAV source in fallback chains
	SourceID = "mf-nav"

	defaultWindowDays  = 5
	defaultConcurrency = 4

	navDateLayout     = "02-Jan-2006"
	historyDateLayout = "02-01-2006"
)

// Scheme is one row of the NAVAll.txt dump
type Scheme struct {
	Code     string
	Name     string
	Category string
	NAV      decimal.Decimal
	Date     time.Time
}

// HistoryResponse represents the mfapi.in scheme history response
type HistoryResponse struct {
	Meta struct {
		FundHouse      string `json:"fund_house"`
		SchemeCategory string `json:"scheme_category"`
		SchemeName     string `json:"scheme_name"`
	} `json:"meta"`
	Data []struct {
		Date string `json:"date"`
		NAV  string `json:"nav"`
	} `json:"data"`
	Status string `json:"status"`
}

// NAVClient fetches mutual fund NAVs
type NAVClient struct {
	navURL      string
	navClient   *resty.Client
	history     *resty.Client
	limiter     *ratelimit.Limiter
	windowDays  int
	concurrency int
	timeout     time.Duration
	downloads   singleflight.Group
	now         func() time.Time
}

// Option configures a NAVClient
type Option func(*NAVClient)

// WithWindowDays sets how far from the requested date a NAV may be
func WithWindowDays(days int) Option {
	return func(c *NAVClient) {
		if days > 0 {
			c.windowDays = days
		}
	}
}

// WithConcurrency bounds the number of history requests in flight
func WithConcurrency(n int) Option {
	return func(c *NAVClient) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *NAVClient) {
		c.now = now
	}
}

// NewNAVClient creates a NAV client. navURL is the full NAVAll.txt URL and
// historyBaseURL the mfapi.in base URL.
func NewNAVClient(navURL, historyBaseURL string, timeout time.Duration, limiter *ratelimit.Limiter, opts ...Option) *NAVClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &NAVClient{
		navURL:      navURL,
		navClient:   fetcher.NewHTTPClient("", timeout).SetHeader("Accept", "text/plain"),
		history:     fetcher.NewHTTPClient(historyBaseURL, timeout),
		limiter:     limiter,
		windowDays:  defaultWindowDays,
		concurrency: defaultConcurrency,
		timeout:     timeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID implements fetcher.Client
func (c *NAVClient) ID() string {
	return SourceID
}

// FetchOne implements fetcher.Client
func (c *NAVClient) FetchOne(ctx context.Context, key price.Key) (price.Record, error) {
	b, err := c.FetchBulk(ctx, []price.Key{key})
	return fetcher.One(SourceID, key, b, err)
}

// FetchBulk implements fetcher.Client. All live keys share one NAVAll.txt
// download; dated keys need one history request per scheme.
func (c *NAVClient) FetchBulk(ctx context.Context, keys []price.Key) (fetcher.Batch, error) {
	b := fetcher.NewBatch(len(keys))

	var live []price.Key
	dated := make(map[string][]price.Key)
	var codes []string
	for _, k := range keys {
		code, ok := SchemeCode(k.Ticker)
		if !ok {
			b.Fail(k, fetcher.NewNotFoundError(SourceID, "no scheme code in "+string(k.Ticker)))
			continue
		}
		if k.AsOf.IsLive() {
			live = append(live, k)
			continue
		}
		if _, seen := dated[code]; !seen {
			codes = append(codes, code)
		}
		dated[code] = append(dated[code], k)
	}

	if len(live) > 0 {
		c.fetchLive(ctx, live, b)
	}
	if len(codes) > 0 {
		c.fetchDated(ctx, codes, dated, b)
	}
	return b, nil
}

func (c *NAVClient) fetchLive(ctx context.Context, keys []price.Key, b fetcher.Batch) {
	schemes, err := c.Schemes(ctx)
	if err != nil {
		for _, k := range keys {
			b.Fail(k, err)
		}
		return
	}

	fetchedAt := c.now()
	for _, k := range keys {
		code, _ := SchemeCode(k.Ticker)
		s, ok := schemes[code]
		if !ok {
			b.Fail(k, fetcher.NewNotFoundError(SourceID, "scheme "+code+" not listed"))
			continue
		}
		b.Add(price.Record{
			Ticker:     k.Ticker,
			AsOf:       price.Live,
			Price:      s.NAV,
			Name:       schemeName(s.Name, code),
			Sector:     s.Category,
			Source:     SourceID,
			MarketDate: s.Date,
			FetchedAt:  fetchedAt,
		})
	}
}

// Schemes downloads and parses NAVAll.txt. Concurrent callers share a single
// download; nothing is retained between calls. The shared download is detached
// from any one caller's cancellation and bounded by the client timeout instead,
// so a caller giving up only abandons its own wait.
func (c *NAVClient) Schemes(ctx context.Context) (map[string]Scheme, error) {
	ch := c.downloads.DoChan("navall", func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.downloadNAVAll(dctx)
	})

	select {
	case <-ctx.Done():
		return nil, fetcher.ClassifyTransportError(SourceID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]Scheme), nil
	}
}

func (c *NAVClient) downloadNAVAll(ctx context.Context) (map[string]Scheme, error) {
	if err := c.limiter.Wait(ctx, SourceID); err != nil {
		return nil, fetcher.ClassifyTransportError(SourceID, err)
	}
	resp, err := c.navClient.R().
		SetContext(ctx).
		Get(c.navURL)
	if ferr := fetcher.ClassifyResponse(SourceID, resp, err); ferr != nil {
		return nil, ferr
	}
	schemes, err := ParseNAVAll(strings.NewReader(resp.String()))
	if err != nil {
		return nil, fetcher.NewTransientError(SourceID, "malformed NAV file", err)
	}
	return schemes, nil
}

// ParseNAVAll parses the AMFI NAVAll.txt format: semicolon separated scheme
// rows grouped under "Open Ended Schemes(<category>)" style headers and fund
// house names. Rows with no numeric NAV are skipped.
func ParseNAVAll(r io.Reader) (map[string]Scheme, error) {
	schemes := make(map[string]Scheme)
	category := ""

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.Contains(line, ";") {
			if open := strings.Index(line, "("); open >= 0 && strings.HasSuffix(line, ")") {
				category = strings.TrimSpace(line[open+1 : len(line)-1])
			}
			continue
		}

		fields := strings.Split(line, ";")
		if len(fields) < 6 || fields[0] == "Scheme Code" {
			continue
		}
		nav, err := decimal.NewFromString(strings.TrimSpace(fields[4]))
		if err != nil || !nav.IsPositive() {
			continue
		}
		date, err := time.Parse(navDateLayout, strings.TrimSpace(fields[5]))
		if err != nil {
			continue
		}
		code := strings.TrimSpace(fields[0])
		schemes[code] = Scheme{
			Code:     code,
			Name:     strings.TrimSpace(fields[3]),
			Category: category,
			NAV:      nav,
			Date:     date,
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return schemes, nil
}

func (c *NAVClient) fetchDated(ctx context.Context, codes []string, byCode map[string][]price.Key, b fetcher.Batch) {
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(c.concurrency)
	for _, code := range codes {
		p.Go(func() {
			hist, err := c.History(ctx, code)
			mu.Lock()
			defer mu.Unlock()
			for _, k := range byCode[code] {
				if err != nil {
					b.Fail(k, err)
					continue
				}
				rec, ferr := c.pick(hist, code, k)
				if ferr != nil {
					b.Fail(k, ferr)
					continue
				}
				b.Add(rec)
			}
		})
	}
	p.Wait()
}

// History fetches the full NAV history of a scheme
func (c *NAVClient) History(ctx context.Context, code string) (*HistoryResponse, error) {
	if err := c.limiter.Wait(ctx, SourceID); err != nil {
		return nil, fetcher.ClassifyTransportError(SourceID, err)
	}

	var result HistoryResponse
	resp, err := c.history.R().
		SetContext(ctx).
		SetPathParam("code", code).
		SetResult(&result).
		Get("/mf/{code}")
	if ferr := fetcher.ClassifyResponse(SourceID, resp, err); ferr != nil {
		return nil, ferr
	}
	if len(result.Data) == 0 {
		return nil, fetcher.NewNotFoundError(SourceID, "no NAV history for scheme "+code)
	}
	return &result, nil
}

// schemeName falls back to "MF-<code>" when the upstream has no name.
func schemeName(name, code string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "MF-" + code
}

// pick returns the NAV nearest to the key's date within the window.
// On a tie the earlier date wins.
func (c *NAVClient) pick(hist *HistoryResponse, code string, key price.Key) (price.Record, error) {
	target, err := key.AsOf.Time()
	if err != nil {
		return price.Record{}, fetcher.NewNotFoundError(SourceID, err.Error())
	}

	var (
		best     time.Time
		bestNAV  decimal.Decimal
		bestDist = -1
	)
	for _, row := range hist.Data {
		d, err := time.Parse(historyDateLayout, row.Date)
		if err != nil {
			continue
		}
		nav, err := decimal.NewFromString(row.NAV)
		if err != nil || !nav.IsPositive() {
			continue
		}
		dist := int(d.Sub(target).Hours() / 24)
		if dist < 0 {
			dist = -dist
		}
		if dist > c.windowDays {
			continue
		}
		if bestDist < 0 || dist < bestDist || (dist == bestDist && d.Before(best)) {
			best, bestNAV, bestDist = d, nav, dist
		}
	}
	if bestDist < 0 {
		return price.Record{}, fetcher.NewNotFoundError(SourceID,
			fmt.Sprintf("no NAV within %d days of %s", c.windowDays, key.AsOf))
	}

	return price.Record{
		Ticker:     key.Ticker,
		AsOf:       key.AsOf,
		Price:      bestNAV,
		Name:       schemeName(hist.Meta.SchemeName, code),
		Sector:     hist.Meta.SchemeCategory,
		Source:     SourceID,
		MarketDate: best,
		FetchedAt:  c.now(),
	}, nil
}
