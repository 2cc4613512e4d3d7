// Package store persists resolved prices. Persistence sits behind a
// write-behind queue so a slow or failing database never delays a lookup.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"priceresolver/internal/price"
)

// Sink persists one record.
type Sink interface {
	Persist(ctx context.Context, rec price.Record) error
}

// Schema creates the table PostgresSink writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS price_records (
	ticker      TEXT        NOT NULL,
	as_of       TEXT        NOT NULL,
	price       NUMERIC     NOT NULL,
	name        TEXT        NOT NULL DEFAULT '',
	sector      TEXT        NOT NULL DEFAULT '',
	source      TEXT        NOT NULL,
	market_date DATE,
	fetched_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ticker, as_of)
)`

const upsertRecord = `
INSERT INTO price_records (ticker, as_of, price, name, sector, source, market_date, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (ticker, as_of) DO UPDATE SET
	price       = EXCLUDED.price,
	name        = EXCLUDED.name,
	sector      = EXCLUDED.sector,
	source      = EXCLUDED.source,
	market_date = EXCLUDED.market_date,
	fetched_at  = EXCLUDED.fetched_at
WHERE price_records.fetched_at <= EXCLUDED.fetched_at`

const selectLive = `
SELECT ticker, as_of, price, name, sector, source, market_date, fetched_at
FROM price_records
WHERE as_of = 'live'
ORDER BY ticker`

// PostgresSink writes records to the price_records table
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink opens a connection pool and checks it with a ping
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("missing database URL")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open db connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}

	return &PostgresSink{db: db}, nil
}

// Migrate creates the price_records table if it does not exist
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create price_records: %w", err)
	}
	return nil
}

// Persist implements Sink. Older records never overwrite newer ones.
func (s *PostgresSink) Persist(ctx context.Context, rec price.Record) error {
	var marketDate sql.NullTime
	if !rec.MarketDate.IsZero() {
		marketDate = sql.NullTime{Time: rec.MarketDate, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, upsertRecord,
		string(rec.Ticker),
		string(rec.AsOf),
		rec.Price,
		rec.Name,
		rec.Sector,
		rec.Source,
		marketDate,
		rec.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", rec.Key(), err)
	}
	return nil
}

// LoadLive returns every stored live record, so a restarted process can
// rebuild its refresh work list.
func (s *PostgresSink) LoadLive(ctx context.Context) ([]price.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectLive)
	if err != nil {
		return nil, fmt.Errorf("failed to load live records: %w", err)
	}
	defer rows.Close()

	var out []price.Record
	for rows.Next() {
		var (
			rec        price.Record
			ticker     string
			asOf       string
			marketDate sql.NullTime
		)
		if err := rows.Scan(&ticker, &asOf, &rec.Price, &rec.Name, &rec.Sector, &rec.Source, &marketDate, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan live record: %w", err)
		}
		rec.Ticker = price.Ticker(ticker)
		rec.AsOf = price.AsOf(asOf)
		if marketDate.Valid {
			rec.MarketDate = marketDate.Time
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load live records: %w", err)
	}
	return out, nil
}

// Ping checks the database connection
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
