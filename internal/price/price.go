package price

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format used for as-of dates.
const DateLayout = "2006-01-02"

// Ticker is an uppercase instrument symbol such as "RELIANCE" or "MF_120828".
type Ticker string

// exchangeSuffixes are stripped from tickers before routing; the exchange is
// chosen by the source client, not by the caller.
var exchangeSuffixes = []string{".NSE", ".BSE", ".NS", ".BO"}

// NormalizeTicker trims, upper-cases and removes any exchange suffix.
func NormalizeTicker(s string) Ticker {
	t := strings.ToUpper(strings.TrimSpace(s))
	for _, suffix := range exchangeSuffixes {
		if strings.HasSuffix(t, suffix) {
			t = strings.TrimSuffix(t, suffix)
			break
		}
	}
	return Ticker(t)
}

// Class is the instrument class of a ticker.
type Class string

const (
	// ClassEquity is a listed stock.
	ClassEquity Class = "equity"
	// ClassMutualFund is a mutual fund scheme priced by NAV.
	ClassMutualFund Class = "mutual_fund"
)

// AsOf is either Live or a calendar date in DateLayout.
type AsOf string

// Live marks the most recent price with no associated historical date.
const Live AsOf = "live"

// Date returns the AsOf for the calendar day of t.
func Date(t time.Time) AsOf {
	return AsOf(t.Format(DateLayout))
}

// ParseAsOf accepts "live" (or an empty string) and YYYY-MM-DD dates.
func ParseAsOf(s string) (AsOf, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(Live)) {
		return Live, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid as-of date %q: %w", s, err)
	}
	return Date(t), nil
}

// IsLive reports whether a is the live marker.
func (a AsOf) IsLive() bool {
	return a == Live
}

// Time returns the date of a non-live AsOf at midnight UTC.
func (a AsOf) Time() (time.Time, error) {
	if a.IsLive() {
		return time.Time{}, fmt.Errorf("as-of %q has no date", a)
	}
	return time.Parse(DateLayout, string(a))
}

// Key identifies one cacheable price: a ticker at a point in time.
type Key struct {
	Ticker Ticker
	AsOf   AsOf
}

// LiveKey is shorthand for the live price key of t.
func LiveKey(t Ticker) Key {
	return Key{Ticker: t, AsOf: Live}
}

// String returns TICKER@asof.
func (k Key) String() string {
	return string(k.Ticker) + "@" + string(k.AsOf)
}

// Record is a resolved price. Records are values and are never mutated after
// they are written; a newer fetch produces a new Record.
type Record struct {
	Ticker Ticker          `json:"ticker"`
	AsOf   AsOf            `json:"as_of"`
	Price  decimal.Decimal `json:"price"`
	// Name is the instrument's display name, e.g. the company or scheme name.
	Name string `json:"name,omitempty"`
	// Sector holds the equity sector or the fund category, when the source provides one.
	Sector string `json:"sector,omitempty"`
	// Source is the ID of the source client that produced the price.
	Source string `json:"source"`
	// MarketDate is the trading day the price belongs to.
	MarketDate time.Time `json:"market_date"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Key returns the cache key of r.
func (r Record) Key() Key {
	return Key{Ticker: r.Ticker, AsOf: r.AsOf}
}
