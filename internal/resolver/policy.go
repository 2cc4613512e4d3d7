package resolver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
)

// fetchFromSource runs one source for keys under the retry policy:
// rate-limited keys are retried with exponential backoff up to
// rateLimitRetries times, transient failures are retried once, and an
// authorization failure disables the source. Every key ends up in exactly
// one of the returned maps.
func (r *Resolver) fetchFromSource(ctx context.Context, client fetcher.Client, keys []price.Key) (map[price.Key]price.Record, map[price.Key]error) {
	id := client.ID()
	records := make(map[price.Key]price.Record, len(keys))
	errs := make(map[price.Key]error)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoffInitial
	b.MaxInterval = r.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	bo := backoff.WithContext(b, ctx)

	transientRetried := make(map[price.Key]bool)
	rateLimitRetries := 0
	todo := keys

	for len(todo) > 0 {
		batch, callErr := client.FetchBulk(ctx, todo)

		var retry []price.Key
		last := make(map[price.Key]error, len(todo))
		rateLimited := false

		for _, k := range todo {
			if rec, ok := batch.Records[k]; ok {
				records[k] = rec
				continue
			}
			err := callErr
			if err == nil {
				err = batch.Err(id, k)
			}
			last[k] = err

			switch fetcher.KindOf(err) {
			case fetcher.KindUnauthorized:
				r.disable(id, err)
				errs[k] = err
			case fetcher.KindRateLimited:
				if rateLimitRetries < r.rateLimitRetries {
					retry = append(retry, k)
					rateLimited = true
				} else {
					errs[k] = err
				}
			case fetcher.KindTransient:
				if !transientRetried[k] && ctx.Err() == nil {
					transientRetried[k] = true
					retry = append(retry, k)
				} else {
					errs[k] = err
				}
			default:
				errs[k] = err
			}
		}

		if len(retry) == 0 {
			break
		}
		if !r.usable(id) {
			for _, k := range retry {
				errs[k] = last[k]
			}
			break
		}

		if rateLimited {
			rateLimitRetries++
			wait := bo.NextBackOff()
			r.logger.Debug("source rate limited, backing off",
				"source", id,
				"attempt", rateLimitRetries,
				"wait", wait,
				"keys", len(retry))
			if wait == backoff.Stop || !sleep(ctx, wait) {
				for _, k := range retry {
					errs[k] = last[k]
				}
				break
			}
		}

		todo = retry
	}

	return records, errs
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
