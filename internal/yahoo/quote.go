// Package yahoo implements the equity price sources backed by the Yahoo
// Finance quote and chart endpoints.
package yahoo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"resty.dev/v3"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/ratelimit"
)

const (
	// QuoteSourceID identifies the live quote source in fallback chains
	QuoteSourceID = "live-equity"

	// maxSymbolsPerRequest bounds the symbols query parameter of one request
	maxSymbolsPerRequest = 100

	defaultSuffix = ".NS"
)

// QuoteResponse represents the Yahoo Finance v7 quote response
type QuoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string   `json:"symbol"`
			LongName           string   `json:"longName"`
			ShortName          string   `json:"shortName"`
			RegularMarketPrice *float64 `json:"regularMarketPrice"`
			RegularMarketTime  int64    `json:"regularMarketTime"`
			Sector             string   `json:"sector"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

// QuoteClient fetches live equity prices, many symbols per request
type QuoteClient struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	suffix  string
	now     func() time.Time
}

// NewQuoteClient creates a new live quote client
func NewQuoteClient(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter) *QuoteClient {
	return &QuoteClient{
		client:  fetcher.NewHTTPClient(baseURL, timeout),
		limiter: limiter,
		suffix:  defaultSuffix,
		now:     time.Now,
	}
}

// ID implements fetcher.Client
func (c *QuoteClient) ID() string {
	return QuoteSourceID
}

// FetchOne implements fetcher.Client
func (c *QuoteClient) FetchOne(ctx context.Context, key price.Key) (price.Record, error) {
	b, err := c.FetchBulk(ctx, []price.Key{key})
	return fetcher.One(QuoteSourceID, key, b, err)
}

// FetchBulk implements fetcher.Client. Dated keys are not served by this source.
func (c *QuoteClient) FetchBulk(ctx context.Context, keys []price.Key) (fetcher.Batch, error) {
	b := fetcher.NewBatch(len(keys))

	var live []price.Key
	for _, k := range keys {
		if !k.AsOf.IsLive() {
			b.Fail(k, fetcher.NewNotFoundError(QuoteSourceID, "quotes are live only"))
			continue
		}
		live = append(live, k)
	}

	for start := 0; start < len(live); start += maxSymbolsPerRequest {
		end := min(start+maxSymbolsPerRequest, len(live))
		if err := c.fetchChunk(ctx, live[start:end], b); err != nil {
			for _, k := range live[start:] {
				if _, ok := b.Records[k]; !ok {
					b.Fail(k, err)
				}
			}
			return b, nil
		}
	}
	return b, nil
}

func (c *QuoteClient) fetchChunk(ctx context.Context, keys []price.Key, b fetcher.Batch) error {
	if err := c.limiter.Wait(ctx, QuoteSourceID); err != nil {
		return fetcher.ClassifyTransportError(QuoteSourceID, err)
	}

	symbols := make([]string, len(keys))
	byTicker := make(map[price.Ticker]price.Key, len(keys))
	for i, k := range keys {
		symbols[i] = string(k.Ticker) + c.suffix
		byTicker[k.Ticker] = k
	}

	var result QuoteResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&result).
		Get("/v7/finance/quote")
	if ferr := fetcher.ClassifyResponse(QuoteSourceID, resp, err); ferr != nil {
		return ferr
	}

	if e := result.QuoteResponse.Error; e != nil {
		return fetcher.NewTransientError(QuoteSourceID, fmt.Sprintf("%s: %s", e.Code, e.Description), nil)
	}

	fetchedAt := c.now()
	for _, q := range result.QuoteResponse.Result {
		key, ok := byTicker[price.NormalizeTicker(q.Symbol)]
		if !ok || q.RegularMarketPrice == nil || *q.RegularMarketPrice <= 0 {
			continue
		}
		marketDate := fetchedAt
		if q.RegularMarketTime > 0 {
			marketDate = time.Unix(q.RegularMarketTime, 0)
		}
		b.Add(price.Record{
			Ticker:     key.Ticker,
			AsOf:       price.Live,
			Price:      decimal.NewFromFloat(*q.RegularMarketPrice),
			Name:       displayName(q.LongName, q.ShortName),
			Sector:     q.Sector,
			Source:     QuoteSourceID,
			MarketDate: marketDay(marketDate),
			FetchedAt:  fetchedAt,
		})
	}

	for _, k := range keys {
		if _, ok := b.Records[k]; !ok {
			b.Fail(k, fetcher.NewNotFoundError(QuoteSourceID, "no quote for "+string(k.Ticker)))
		}
	}
	return nil
}
