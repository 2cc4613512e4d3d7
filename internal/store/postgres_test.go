package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"priceresolver/internal/price"
)

// startPostgres runs a throwaway database. It needs Docker, so it only runs
// when PRICERESOLVER_PG_TESTS=1.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("PRICERESOLVER_PG_TESTS") != "1" {
		t.Skip("set PRICERESOLVER_PG_TESTS=1 to run Postgres tests")
	}

	ctx := context.Background()
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:16-alpine"),
		postgres.WithDatabase("prices"),
		postgres.WithUsername("prices"),
		postgres.WithPassword("prices"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresSink_Upsert(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Migrate(ctx))

	now := time.Now().UTC().Truncate(time.Microsecond)
	first := price.Record{
		Ticker:     "RELIANCE",
		AsOf:       price.Live,
		Price:      decimal.RequireFromString("2500.50"),
		Name:       "Reliance Industries Limited",
		Sector:     "Energy",
		Source:     "live-equity",
		MarketDate: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC),
		FetchedAt:  now,
	}
	require.NoError(t, sink.Persist(ctx, first))

	newer := first
	newer.Price = decimal.RequireFromString("2510")
	newer.FetchedAt = now.Add(time.Minute)
	require.NoError(t, sink.Persist(ctx, newer))

	older := first
	older.Price = decimal.RequireFromString("1")
	older.FetchedAt = now.Add(-time.Hour)
	require.NoError(t, sink.Persist(ctx, older))

	dated := newer
	dated.AsOf = "2025-03-07"
	require.NoError(t, sink.Persist(ctx, dated))

	live, err := sink.LoadLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1, "dated records are not part of the live work list")
	got := live[0]
	assert.Equal(t, price.LiveKey("RELIANCE"), got.Key())
	assert.True(t, got.Price.Equal(decimal.NewFromInt(2510)), "got %s", got.Price)
	assert.Equal(t, "Energy", got.Sector)
	assert.Equal(t, "Reliance Industries Limited", got.Name)
	assert.Equal(t, 2025, got.MarketDate.Year())
}

func TestPostgresSink_WriteBehind(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	sink, err := NewPostgresSink(ctx, dsn)
	require.NoError(t, err)
	defer sink.Close()
	require.NoError(t, sink.Migrate(ctx))

	w := NewWriteBehind(sink, 8)
	w.Enqueue(rec("TCS"))
	w.Enqueue(rec("INFY"))
	require.NoError(t, w.Close(ctx))
	assert.Equal(t, int64(2), w.Stats().Persisted)

	live, err := sink.LoadLive(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, price.Ticker("INFY"), live[0].Ticker)
	assert.Equal(t, price.Ticker("TCS"), live[1].Ticker)
	assert.Equal(t, "live-equity", live[1].Source)
}

func TestNewPostgresSink_MissingURL(t *testing.T) {
	_, err := NewPostgresSink(context.Background(), "")
	assert.Error(t, err)
}
