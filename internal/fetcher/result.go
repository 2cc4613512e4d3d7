package fetcher

import (
	"priceresolver/internal/price"
)

// Batch is the outcome of a bulk fetch.
// Keys present in neither map were not known to the source.
type Batch struct {
	// Records holds the prices the source resolved.
	Records map[price.Key]price.Record

	// Failed holds per-key errors for keys the source could not resolve.
	Failed map[price.Key]error
}

// NewBatch returns an empty Batch sized for n keys.
func NewBatch(n int) Batch {
	return Batch{
		Records: make(map[price.Key]price.Record, n),
		Failed:  make(map[price.Key]error),
	}
}

// Add records a resolved price.
func (b Batch) Add(rec price.Record) {
	b.Records[rec.Key()] = rec
}

// Fail records a per-key error.
func (b Batch) Fail(key price.Key, err error) {
	b.Failed[key] = err
}

// Err returns the error for key, or nil if it was resolved.
func (b Batch) Err(source string, key price.Key) error {
	if _, ok := b.Records[key]; ok {
		return nil
	}
	if err, ok := b.Failed[key]; ok {
		return err
	}
	return NewNotFoundError(source, "no price for "+string(key.Ticker))
}
