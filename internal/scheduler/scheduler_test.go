package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceresolver/internal/cache"
	"priceresolver/internal/fetcher"
	"priceresolver/internal/price"
	"priceresolver/internal/resolver"
	"priceresolver/internal/router"
	"priceresolver/internal/testutil"
	"priceresolver/internal/tracker"
)

type fakeRefresher struct {
	mu     sync.Mutex
	calls  [][]price.Key
	bypass []bool
	block  chan struct{}
}

func (f *fakeRefresher) ResolveMany(ctx context.Context, keys []price.Key, opts ...resolver.ResolveOption) map[price.Key]resolver.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, keys)
	f.bypass = append(f.bypass, len(opts) > 0)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
	}
	out := make(map[price.Key]resolver.Outcome, len(keys))
	for _, k := range keys {
		out[k] = resolver.Outcome{Record: price.Record{Ticker: k.Ticker, AsOf: k.AsOf}}
	}
	return out
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seededCache(tickers ...string) *cache.Cache {
	c := cache.New(time.Minute)
	for _, t := range tickers {
		c.Put(testutil.NewRecord(price.LiveKey(price.Ticker(t)), "1", "seed"))
	}
	c.Put(testutil.NewRecord(price.Key{Ticker: "TCS", AsOf: "2024-01-15"}, "1", "seed"))
	return c
}

func TestRunOnce_RefreshesLiveKeysOnly(t *testing.T) {
	ref := &fakeRefresher{}
	s := New(ref, seededCache("RELIANCE", "TCS"), time.Hour)

	run, ok := s.RunOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, run.Tickers)
	assert.Equal(t, 2, run.Refreshed)
	assert.NotEmpty(t, run.ID)

	require.Equal(t, 1, ref.callCount())
	assert.ElementsMatch(t, []price.Key{price.LiveKey("RELIANCE"), price.LiveKey("TCS")}, ref.calls[0])
	assert.True(t, ref.bypass[0], "refresh must bypass the cache")

	assert.False(t, s.LastRefresh().IsZero())
	last, ok := s.LastRun()
	require.True(t, ok)
	assert.Equal(t, run.ID, last.ID)
}

func TestRunOnce_EmptyCache(t *testing.T) {
	ref := &fakeRefresher{}
	s := New(ref, cache.New(time.Minute), time.Hour)

	run, ok := s.RunOnce(context.Background())
	require.True(t, ok)
	assert.Zero(t, run.Tickers)
	assert.Zero(t, ref.callCount())
	assert.False(t, s.LastRefresh().IsZero())
}

func TestRunOnce_SkipsWhileRunning(t *testing.T) {
	ref := &fakeRefresher{block: make(chan struct{})}
	s := New(ref, seededCache("RELIANCE"), time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunOnce(context.Background())
	}()

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	_, ok := s.RunOnce(context.Background())
	assert.False(t, ok, "overlapping cycle must be skipped")

	close(ref.block)
	<-done
	assert.Equal(t, 1, ref.callCount())
	assert.False(t, s.Running())
}

func TestScheduler_StartRunsPeriodically(t *testing.T) {
	ref := &fakeRefresher{}
	s := New(ref, seededCache("RELIANCE"), time.Second)

	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "second start is rejected")

	require.Eventually(t, func() bool { return ref.callCount() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_StopWaitsForCycle(t *testing.T) {
	ref := &fakeRefresher{block: make(chan struct{})}
	s := New(ref, seededCache("RELIANCE"), time.Hour)

	go s.RunOnce(context.Background())
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)

	close(ref.block)
	require.NoError(t, s.Stop(context.Background()))
}

func TestRunOnce_WithResolver(t *testing.T) {
	var current atomic.Value
	current.Store("2500")
	live := &testutil.StubClient{
		SourceID: router.SourceLiveEquity,
		BulkFunc: func(_ context.Context, keys []price.Key) (fetcher.Batch, error) {
			b := fetcher.NewBatch(len(keys))
			for _, k := range keys {
				b.Add(testutil.NewRecord(k, current.Load().(string), router.SourceLiveEquity))
			}
			return b, nil
		},
	}
	c := cache.New(time.Minute)
	rt := router.New(router.NewHeuristicClassifier(nil, nil), router.DefaultTable(), live)
	res := resolver.New(rt, c, tracker.New(5))

	require.NoError(t, res.Resolve(context.Background(), price.LiveKey("RELIANCE")).Err)

	current.Store("2600")
	s := New(res, c, time.Hour)
	run, ok := s.RunOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, run.Refreshed)

	rec, ok := c.Get(price.LiveKey("RELIANCE"))
	require.True(t, ok)
	assert.Equal(t, "2600", rec.Price.String())
	assert.Equal(t, 2, live.CallCount())
}

func TestRunOnce_DropsDeactivatedTickers(t *testing.T) {
	var delisted atomic.Bool
	live := &testutil.StubClient{
		SourceID: router.SourceLiveEquity,
		BulkFunc: func(_ context.Context, keys []price.Key) (fetcher.Batch, error) {
			b := fetcher.NewBatch(len(keys))
			for _, k := range keys {
				if k.Ticker == "YESBANK" && delisted.Load() {
					b.Fail(k, fetcher.NewNotFoundError(router.SourceLiveEquity, "delisted"))
					continue
				}
				b.Add(testutil.NewRecord(k, "20", router.SourceLiveEquity))
			}
			return b, nil
		},
	}
	c := cache.New(time.Minute)
	tr := tracker.New(2)
	rt := router.New(router.NewHeuristicClassifier(nil, nil), router.DefaultTable(), live)
	res := resolver.New(rt, c, tr)

	res.ResolveMany(context.Background(), []price.Key{price.LiveKey("RELIANCE"), price.LiveKey("YESBANK")})
	require.Equal(t, 2, c.Len())

	delisted.Store(true)
	s := New(res, c, time.Hour)
	for i := 0; i < 2; i++ {
		run, ok := s.RunOnce(context.Background())
		require.True(t, ok)
		assert.Equal(t, 2, run.Tickers)
		assert.Equal(t, 1, run.Failed)
	}
	assert.False(t, tr.IsActive("YESBANK"))

	run, ok := s.RunOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, run.Tickers, "deactivated ticker is no longer refreshed")
	assert.Equal(t, 0, run.Failed)
	_, cached := c.Peek(price.LiveKey("YESBANK"))
	assert.False(t, cached)
}
