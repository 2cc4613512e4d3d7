// Package resolver turns price keys into records: cache first, then the
// routed sources in fallback order, with retry policy and failure tracking.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"priceresolver/internal/cache"
	"priceresolver/internal/price"
	"priceresolver/internal/router"
	"priceresolver/internal/tracker"
)

var (
	// ErrAllSourcesExhausted is returned when every source in the chain failed.
	ErrAllSourcesExhausted = errors.New("all sources exhausted")
	// ErrTickerDeactivated is returned without any upstream call for inactive tickers.
	ErrTickerDeactivated = errors.New("ticker deactivated")
)

const (
	defaultRateLimitRetries = 3
	defaultBackoffInitial   = 500 * time.Millisecond
	defaultBackoffMax       = 10 * time.Second
)

// Outcome is the result for one key: either a Record or an Err.
type Outcome struct {
	Record price.Record
	Err    error
}

// Resolved reports whether the outcome carries a record.
func (o Outcome) Resolved() bool {
	return o.Err == nil
}

// Recorder receives every freshly fetched record, e.g. for persistence.
// Enqueue must not block.
type Recorder interface {
	Enqueue(rec price.Record) bool
}

// Resolver is safe for concurrent use; overlapping calls share the cache and
// tracker but hold no lock while talking to a source.
type Resolver struct {
	router   *router.Router
	cache    *cache.Cache
	tracker  *tracker.Tracker
	recorder Recorder
	logger   *slog.Logger

	rateLimitRetries int
	backoffInitial   time.Duration
	backoffMax       time.Duration

	mu       sync.RWMutex
	disabled map[string]error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRecorder sets the sink for freshly fetched records.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		r.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithRetryPolicy sets how often a rate-limited source is retried and the
// exponential backoff bounds between attempts.
func WithRetryPolicy(rateLimitRetries int, initial, max time.Duration) Option {
	return func(r *Resolver) {
		if rateLimitRetries >= 0 {
			r.rateLimitRetries = rateLimitRetries
		}
		if initial > 0 {
			r.backoffInitial = initial
		}
		if max > 0 {
			r.backoffMax = max
		}
	}
}

// New creates a Resolver.
func New(rt *router.Router, c *cache.Cache, t *tracker.Tracker, opts ...Option) *Resolver {
	r := &Resolver{
		router:           rt,
		cache:            c,
		tracker:          t,
		logger:           slog.Default(),
		rateLimitRetries: defaultRateLimitRetries,
		backoffInitial:   defaultBackoffInitial,
		backoffMax:       defaultBackoffMax,
		disabled:         make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type resolveOptions struct {
	bypassCache bool
}

// ResolveOption tunes a single ResolveMany call.
type ResolveOption func(*resolveOptions)

// BypassCache skips the cache lookup; fetched records are still written back.
func BypassCache() ResolveOption {
	return func(o *resolveOptions) {
		o.bypassCache = true
	}
}

// Resolve resolves a single key.
func (r *Resolver) Resolve(ctx context.Context, key price.Key, opts ...ResolveOption) Outcome {
	return r.ResolveMany(ctx, []price.Key{key}, opts...)[key]
}

// pending tracks one key through its fallback chain.
type pending struct {
	key       price.Key
	chain     []string
	next      int
	attempted bool
	lastErr   error
}

// ResolveMany resolves every key and returns exactly one Outcome per distinct key.
// Keys sharing a source are sent to it in one bulk call.
func (r *Resolver) ResolveMany(ctx context.Context, keys []price.Key, opts ...ResolveOption) map[price.Key]Outcome {
	var o resolveOptions
	for _, opt := range opts {
		opt(&o)
	}

	results := make(map[price.Key]Outcome, len(keys))
	work := make(map[price.Key]*pending)
	var order []price.Key

	for _, k := range keys {
		if _, done := results[k]; done {
			continue
		}
		if _, queued := work[k]; queued {
			continue
		}
		if !o.bypassCache {
			if rec, ok := r.cache.Get(k); ok {
				results[k] = Outcome{Record: rec}
				continue
			}
		}
		if !r.tracker.IsActive(k.Ticker) {
			results[k] = Outcome{Err: fmt.Errorf("%s: %w", k, ErrTickerDeactivated)}
			continue
		}
		work[k] = &pending{key: k, chain: r.router.Chain(k)}
		order = append(order, k)
	}

	succeeded := make(map[price.Ticker]bool)
	failed := make(map[price.Ticker]error)

	for len(work) > 0 {
		r.finishExhausted(ctx, order, work, results, failed)
		if len(work) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			for _, k := range order {
				if _, ok := work[k]; ok {
					results[k] = Outcome{Err: fmt.Errorf("%s: %w", k, err)}
					delete(work, k)
				}
			}
			break
		}

		groups := groupBySource(order, work)
		sources := r.readySources(groups, work)
		for _, res := range r.fetchGroups(ctx, sources, groups) {
			for k, rec := range res.records {
				rec = r.accept(res.source, k, rec)
				results[k] = Outcome{Record: rec}
				succeeded[k.Ticker] = true
				delete(work, k)
			}
			for k, err := range res.errs {
				p := work[k]
				p.attempted = true
				p.lastErr = err
				p.next++
			}
		}
	}

	r.recordOutcomes(ctx, succeeded, failed)
	return results
}

// finishExhausted skips unusable sources and settles keys with nothing left to
// try. Only sources that pass usable ever reach groupBySource.
func (r *Resolver) finishExhausted(ctx context.Context, order []price.Key, work map[price.Key]*pending, results map[price.Key]Outcome, failed map[price.Ticker]error) {
	for _, k := range order {
		p, ok := work[k]
		if !ok {
			continue
		}
		for p.next < len(p.chain) && !r.usable(p.chain[p.next]) {
			p.next++
		}
		if p.next < len(p.chain) {
			continue
		}

		delete(work, k)
		switch {
		case ctx.Err() != nil && p.attempted:
			results[k] = Outcome{Err: fmt.Errorf("%s: %w", k, ctx.Err())}
		case p.lastErr != nil:
			results[k] = Outcome{Err: fmt.Errorf("%s: %w: %w", k, ErrAllSourcesExhausted, p.lastErr)}
			if p.attempted {
				failed[k.Ticker] = p.lastErr
			}
		default:
			results[k] = Outcome{Err: fmt.Errorf("%s: %w: no available source", k, ErrAllSourcesExhausted)}
		}
	}
}

// groupBySource buckets pending keys by their current source, preserving key order.
func groupBySource(order []price.Key, work map[price.Key]*pending) map[string][]price.Key {
	groups := make(map[string][]price.Key)
	for _, k := range order {
		p, ok := work[k]
		if !ok || p.next >= len(p.chain) {
			continue
		}
		src := p.chain[p.next]
		groups[src] = append(groups[src], k)
	}
	return groups
}

// readySources returns the sources that no pending key can still reach later
// in its chain. Fetching only those keeps each source to one bulk call per
// ResolveMany when chains agree on source order.
func (r *Resolver) readySources(groups map[string][]price.Key, work map[price.Key]*pending) []string {
	later := make(map[string]bool)
	for _, p := range work {
		for _, src := range p.chain[min(p.next+1, len(p.chain)):] {
			later[src] = true
		}
	}

	var candidates []string
	seen := make(map[string]bool)
	for _, src := range r.router.Order() {
		if _, ok := groups[src]; ok {
			candidates = append(candidates, src)
			seen[src] = true
		}
	}
	var rest []string
	for src := range groups {
		if !seen[src] {
			rest = append(rest, src)
		}
	}
	sort.Strings(rest)
	candidates = append(candidates, rest...)

	var ready []string
	for _, src := range candidates {
		if !later[src] {
			ready = append(ready, src)
		}
	}
	if len(ready) == 0 {
		ready = candidates[:1]
	}
	return ready
}

type groupResult struct {
	source  string
	records map[price.Key]price.Record
	errs    map[price.Key]error
}

// fetchGroups queries each ready source concurrently.
func (r *Resolver) fetchGroups(ctx context.Context, sources []string, groups map[string][]price.Key) []groupResult {
	resultChan := make(chan groupResult, len(sources))
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		go func(src string, keys []price.Key) {
			defer wg.Done()
			client, _ := r.router.Client(src)
			records, errs := r.fetchFromSource(ctx, client, keys)
			resultChan <- groupResult{source: src, records: records, errs: errs}
		}(src, groups[src])
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var out []groupResult
	for res := range resultChan {
		out = append(out, res)
	}
	return out
}

// accept stamps and stores a freshly fetched record.
func (r *Resolver) accept(source string, key price.Key, rec price.Record) price.Record {
	rec.Ticker, rec.AsOf = key.Ticker, key.AsOf
	if rec.Source == "" {
		rec.Source = source
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now()
	}

	r.cache.Put(rec)
	if r.recorder != nil && !r.recorder.Enqueue(rec) {
		r.logger.Debug("record not queued for persistence", "key", key.String())
	}
	return rec
}

// recordOutcomes updates the tracker once per ticker. A ticker with any
// resolved key in this call counts as a success.
func (r *Resolver) recordOutcomes(ctx context.Context, succeeded map[price.Ticker]bool, failed map[price.Ticker]error) {
	for t := range succeeded {
		r.tracker.RecordSuccess(t)
	}
	if ctx.Err() != nil {
		return
	}
	for t, err := range failed {
		if succeeded[t] {
			continue
		}
		st := r.tracker.RecordFailure(t, err)
		r.logger.Debug("price resolution failed",
			"ticker", t,
			"consecutive_failures", st.ConsecutiveFailures,
			"error", err)
		// A deactivated ticker drops off the refresh work list.
		if !st.Active && r.cache.Delete(price.LiveKey(t)) {
			r.logger.Info("live entry evicted for deactivated ticker", "ticker", t)
		}
	}
}

// usable reports whether source is registered and not disabled.
func (r *Resolver) usable(source string) bool {
	if _, ok := r.router.Client(source); !ok {
		return false
	}
	r.mu.RLock()
	_, off := r.disabled[source]
	r.mu.RUnlock()
	return !off
}

func (r *Resolver) disable(source string, err error) {
	r.mu.Lock()
	_, already := r.disabled[source]
	if !already {
		r.disabled[source] = err
	}
	r.mu.Unlock()

	if !already {
		r.logger.Error("source disabled after authorization failure",
			"source", source,
			"error", err)
	}
}

// EnableSource clears a disabled source so it is queried again.
func (r *Resolver) EnableSource(source string) bool {
	r.mu.Lock()
	_, was := r.disabled[source]
	delete(r.disabled, source)
	r.mu.Unlock()
	return was
}

// DisabledSources returns the IDs of sources disabled by authorization failures.
func (r *Resolver) DisabledSources() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.disabled))
	for src := range r.disabled {
		out = append(out, src)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
