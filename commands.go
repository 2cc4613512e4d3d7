package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"priceresolver/internal/config"
	"priceresolver/internal/httpapi"
	"priceresolver/internal/price"
	"priceresolver/internal/resolver"
)

const (
	lookupTimeout   = 2 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func commands(cfg *config.Config, logger *slog.Logger) []subcommands.Command {
	return []subcommands.Command{
		&priceCmd{cfg: cfg, logger: logger, out: os.Stdout},
		&historyCmd{cfg: cfg, logger: logger, out: os.Stdout},
		&statusCmd{cfg: cfg, logger: logger, out: os.Stdout},
		&serveCmd{cfg: cfg, logger: logger},
	}
}

// withApp builds the subsystem, runs fn and tears the subsystem down.
func withApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*app) error) subcommands.ExitStatus {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	runErr := fn(a)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type priceCmd struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	json   bool
}

func (*priceCmd) Name() string     { return "price" }
func (*priceCmd) Synopsis() string { return "resolve the live price of one or more tickers" }
func (*priceCmd) Usage() string {
	return `price [-json] <ticker>...

  Resolves live prices for equities (e.g. RELIANCE, TCS) and mutual funds
  (e.g. MF_120828). Tickers sharing a source are fetched in one bulk call.
`
}

func (c *priceCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.json, "json", false, "Print results as JSON.")
}

func (c *priceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	return withApp(ctx, c.cfg, c.logger, func(a *app) error {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()

		outcomes := a.service.GetPrices(ctx, f.Args())
		if err := printOutcomes(c.out, outcomes, c.json); err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return errors.New("some tickers could not be resolved")
			}
		}
		return nil
	})
}

type historyCmd struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
	date   string
	json   bool
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "resolve the price of tickers on a past date" }
func (*historyCmd) Usage() string {
	return `history -d <YYYY-MM-DD> [-json] <ticker>...

  Resolves the closing price (or NAV) nearest to the given date.
`
}

func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.date, "d", "", "The as-of date, YYYY-MM-DD.")
	f.BoolVar(&c.json, "json", false, "Print results as JSON.")
}

func (c *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	date, err := time.Parse(price.DateLayout, c.date)
	if err != nil || f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	return withApp(ctx, c.cfg, c.logger, func(a *app) error {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()

		outcomes := make(map[price.Ticker]resolver.Outcome, f.NArg())
		failed := false
		for _, arg := range f.Args() {
			rec, err := a.service.GetHistoricalPrice(ctx, arg, date)
			outcomes[price.NormalizeTicker(arg)] = resolver.Outcome{Record: rec, Err: err}
			failed = failed || err != nil
		}
		if err := printOutcomes(c.out, outcomes, c.json); err != nil {
			return err
		}
		if failed {
			return errors.New("some tickers could not be resolved")
		}
		return nil
	})
}

type statusCmd struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "resolve tracked tickers and print subsystem status" }
func (*statusCmd) Usage() string {
	return `status

  Resolves the configured tracked tickers once and prints the resulting
  subsystem status as JSON.
`
}

func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return withApp(ctx, c.cfg, c.logger, func(a *app) error {
		ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()
		a.warm(ctx)

		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(a.service.Status())
	})
}

type serveCmd struct {
	cfg    *config.Config
	logger *slog.Logger
	addr   string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "serve the price API with background refresh" }
func (*serveCmd) Usage() string {
	return `serve [-addr <host:port>]

  Serves the HTTP API, warms the cache with the tracked tickers and refreshes
  live prices on the configured interval until interrupted.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "Listen address; overrides LISTEN_ADDR.")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	addr := c.cfg.ListenAddr
	if c.addr != "" {
		addr = c.addr
	}

	return withApp(ctx, c.cfg, c.logger, func(a *app) error {
		var opts []httpapi.Option
		if a.sink != nil {
			opts = append(opts, httpapi.WithPinger(a.sink))
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           httpapi.New(a.service, a.scheduler, c.logger, opts...),
			ReadHeaderTimeout: 5 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			c.logger.Info("server starting", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		go a.warm(ctx)
		if c.cfg.RefreshEnabled {
			if err := a.scheduler.Start(); err != nil {
				return err
			}
		}

		select {
		case err := <-serveErr:
			return err
		case <-ctx.Done():
		}

		c.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// printOutcomes writes one line per ticker, sorted, as a table or JSON.
func printOutcomes(w io.Writer, outcomes map[price.Ticker]resolver.Outcome, asJSON bool) error {
	tickers := make([]price.Ticker, 0, len(outcomes))
	for t := range outcomes {
		tickers = append(tickers, t)
	}
	sort.Slice(tickers, func(i, j int) bool { return tickers[i] < tickers[j] })

	if asJSON {
		type row struct {
			*price.Record
			Ticker price.Ticker `json:"ticker"`
			Error  string       `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(tickers))
		for _, t := range tickers {
			o := outcomes[t]
			r := row{Ticker: t}
			if o.Err != nil {
				r.Error = o.Err.Error()
			} else {
				rec := o.Record
				r.Record = &rec
			}
			rows = append(rows, r)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tPRICE\tDATE\tSOURCE\tSECTOR\tNAME")
	for _, t := range tickers {
		o := outcomes[t]
		if o.Err != nil {
			fmt.Fprintf(tw, "%s\tERROR\t-\t-\t-\t%v\n", t, o.Err)
			continue
		}
		r := o.Record
		date := "-"
		if !r.MarketDate.IsZero() {
			date = r.MarketDate.Format(price.DateLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t, r.Price.StringFixed(2), date, r.Source, r.Sector, r.Name)
	}
	return tw.Flush()
}
