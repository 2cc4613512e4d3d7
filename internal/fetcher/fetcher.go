package fetcher

import (
	"context"

	"priceresolver/internal/price"
)

// Client is the interface every upstream price source implements.
// A client only performs I/O: caching, retries and bookkeeping happen in the resolver.
//
//go:generate mockgen -package=testutil -destination=../testutil/mock_client.go -source=fetcher.go Client
type Client interface {
	// ID returns the stable source identifier used in fallback chains,
	// e.g. "live-equity", "historical-equity" or "mf-nav".
	ID() string

	// FetchOne resolves a single key.
	FetchOne(ctx context.Context, key price.Key) (price.Record, error)

	// FetchBulk resolves many keys in as few upstream calls as the provider allows.
	// Partial results are normal. A non-nil error applies to every key that has
	// no record in the returned Batch.
	FetchBulk(ctx context.Context, keys []price.Key) (Batch, error)
}

// One extracts the outcome for key from a FetchBulk result.
// Clients use it to implement FetchOne on top of FetchBulk.
func One(source string, key price.Key, b Batch, err error) (price.Record, error) {
	if rec, ok := b.Records[key]; ok {
		return rec, nil
	}
	if err != nil {
		return price.Record{}, err
	}
	return price.Record{}, b.Err(source, key)
}
