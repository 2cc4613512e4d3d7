package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
)

// StubClient is a hand-rolled fetcher.Client for tests that need scripted
// behaviour and a record of the keys each bulk call received.
type StubClient struct {
	SourceID string
	BulkFunc func(ctx context.Context, keys []price.Key) (fetcher.Batch, error)

	mu    sync.Mutex
	calls [][]price.Key
}

// ID implements fetcher.Client
func (s *StubClient) ID() string {
	return s.SourceID
}

// FetchOne implements fetcher.Client on top of FetchBulk
func (s *StubClient) FetchOne(ctx context.Context, key price.Key) (price.Record, error) {
	b, err := s.FetchBulk(ctx, []price.Key{key})
	return fetcher.One(s.SourceID, key, b, err)
}

// FetchBulk implements fetcher.Client
func (s *StubClient) FetchBulk(ctx context.Context, keys []price.Key) (fetcher.Batch, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]price.Key(nil), keys...))
	s.mu.Unlock()

	if s.BulkFunc != nil {
		return s.BulkFunc(ctx, keys)
	}
	return fetcher.NewBatch(0), nil
}

// Calls returns the keys passed to each FetchBulk call, in call order
func (s *StubClient) Calls() [][]price.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]price.Key(nil), s.calls...)
}

// CallCount returns the number of FetchBulk calls
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// NewPriceClient creates a stub that knows a fixed price per ticker for every
// as-of date and reports every other key as not found.
func NewPriceClient(id string, prices map[price.Ticker]string) *StubClient {
	return &StubClient{
		SourceID: id,
		BulkFunc: func(_ context.Context, keys []price.Key) (fetcher.Batch, error) {
			b := fetcher.NewBatch(len(keys))
			for _, k := range keys {
				p, ok := prices[k.Ticker]
				if !ok {
					b.Fail(k, fetcher.NewNotFoundError(id, "unknown ticker "+string(k.Ticker)))
					continue
				}
				b.Add(NewRecord(k, p, id))
			}
			return b, nil
		},
	}
}

// NewFailingClient creates a stub whose every bulk call fails with err
func NewFailingClient(id string, err error) *StubClient {
	return &StubClient{
		SourceID: id,
		BulkFunc: func(context.Context, []price.Key) (fetcher.Batch, error) {
			return fetcher.NewBatch(0), err
		},
	}
}

// NewRecord builds a record for key with the given decimal price
func NewRecord(key price.Key, p, source string) price.Record {
	return price.Record{
		Ticker:     key.Ticker,
		AsOf:       key.AsOf,
		Price:      decimal.RequireFromString(p),
		Source:     source,
		MarketDate: time.Now().UTC().Truncate(24 * time.Hour),
		FetchedAt:  time.Now(),
	}
}
