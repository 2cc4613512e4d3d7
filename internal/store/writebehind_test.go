package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"priceresolver/internal/price"
	"priceresolver/internal/testutil"
)

type memorySink struct {
	mu      sync.Mutex
	records []price.Record
	err     error
	block   chan struct{}
}

func (s *memorySink) Persist(ctx context.Context, rec price.Record) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func rec(ticker string) price.Record {
	return testutil.NewRecord(price.LiveKey(price.Ticker(ticker)), "100", "live-equity")
}

func TestWriteBehind_PersistsAndDrains(t *testing.T) {
	sink := &memorySink{}
	w := NewWriteBehind(sink, 10)

	for _, tk := range []string{"RELIANCE", "TCS", "INFY"} {
		require.True(t, w.Enqueue(rec(tk)))
	}
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, 3, sink.len())
	assert.Equal(t, Stats{Persisted: 3}, w.Stats())
}

func TestWriteBehind_DropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := NewWriteBehind(sink, 1)

	accepted := 0
	for i := 0; i < 5; i++ {
		if w.Enqueue(rec("TCS")) {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 2, "one in flight plus one queued")
	assert.GreaterOrEqual(t, w.Stats().Dropped, int64(3))

	close(sink.block)
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int64(accepted), w.Stats().Persisted)
}

func TestWriteBehind_FailuresAreCounted(t *testing.T) {
	sink := &memorySink{err: errors.New("connection refused")}
	w := NewWriteBehind(sink, 4)

	w.Enqueue(rec("TCS"))
	w.Enqueue(rec("INFY"))
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, Stats{Failed: 2}, w.Stats())
}

func TestWriteBehind_EnqueueAfterClose(t *testing.T) {
	w := NewWriteBehind(&memorySink{}, 4)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()), "close is idempotent")

	assert.False(t, w.Enqueue(rec("TCS")))
	assert.Equal(t, int64(1), w.Stats().Dropped)
}

func TestWriteBehind_CloseHonoursContext(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := NewWriteBehind(sink, 4, WithPersistTimeout(time.Minute))
	w.Enqueue(rec("TCS"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)

	close(sink.block)
	require.NoError(t, w.Close(context.Background()))
}
