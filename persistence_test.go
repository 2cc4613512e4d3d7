package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"priceresolver/internal/httpapi"
	"priceresolver/internal/price"
)

// TestIntegration_RestartRestoresLiveWorkList persists prices through the
// write-behind queue, starts a second app on the same database and checks the
// live tickers come back. It needs Docker, so it only runs when
// PRICERESOLVER_PG_TESTS=1.
func TestIntegration_RestartRestoresLiveWorkList(t *testing.T) {
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
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer container.Terminate(ctx)
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	u := newUpstreams(t)
	cfg := testConfig(u)
	cfg.DatabaseURL = dsn

	// Without AutoMigrate the schema is left alone; a missing table only costs the restore.
	bare, err := newApp(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("newApp() without migration error = %v", err)
	}
	if _, err := bare.sink.LoadLive(ctx); err == nil {
		t.Error("price_records exists although AutoMigrate is off")
	}
	bare.close(ctx)

	cfg.AutoMigrate = true
	first, err := newApp(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	first.warm(ctx)
	if err := first.close(ctx); err != nil {
		t.Fatalf("close() error = %v", err)
	}

	cfg.AutoMigrate = false
	second, err := newApp(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("second newApp() error = %v", err)
	}
	defer second.close(ctx)

	for _, ticker := range []price.Ticker{"RELIANCE", "TCS", "MF_120828"} {
		if _, ok := second.cache.Peek(price.LiveKey(ticker)); !ok {
			t.Errorf("%s not restored", ticker)
		}
	}
	if got := len(second.cache.GetAllLive()); got != 3 {
		t.Errorf("restored live entries = %d, want 3", got)
	}

	srv := httptest.NewServer(httpapi.New(second.service, second.scheduler, quietLogger(), httpapi.WithPinger(second.sink)))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}
