// Package tracker counts consecutive resolution failures per ticker and
// deactivates tickers that keep failing.
package tracker

import (
	"log/slog"
	"sort"
	"time"

	"priceresolver/internal/price"
	"priceresolver/internal/shard"
)

// DefaultThreshold is the number of consecutive failures that deactivates a ticker.
const DefaultThreshold = 5

// State is the failure bookkeeping of one ticker.
type State struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Active              bool      `json:"active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Tracker is safe for concurrent use. Tickers it has never seen are active.
type Tracker struct {
	states    *shard.Map[price.Ticker, State]
	threshold int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for deactivation events.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates a Tracker that deactivates a ticker after threshold consecutive failures.
func New(threshold int, opts ...Option) *Tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	t := &Tracker{
		states: shard.New[price.Ticker, State](shard.DefaultShards, func(k price.Ticker) uint64 {
			return shard.StringHash(string(k))
		}),
		threshold: threshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Threshold returns the deactivation threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}

// RecordSuccess resets the failure count of ticker.
// It does not reactivate an inactive ticker; only Reactivate does.
func (t *Tracker) RecordSuccess(ticker price.Ticker) {
	now := t.now()
	t.states.Update(ticker, func(old State, exists bool) State {
		if !exists {
			return State{Active: true, UpdatedAt: now}
		}
		old.ConsecutiveFailures = 0
		old.LastError = ""
		old.UpdatedAt = now
		return old
	})
}

// RecordFailure counts one failed resolution of ticker and returns the new state.
func (t *Tracker) RecordFailure(ticker price.Ticker, err error) State {
	now := t.now()
	var deactivated bool
	st := t.states.Update(ticker, func(old State, exists bool) State {
		if !exists {
			old = State{Active: true}
		}
		old.ConsecutiveFailures++
		if err != nil {
			old.LastError = err.Error()
		}
		old.UpdatedAt = now
		if old.Active && old.ConsecutiveFailures >= t.threshold {
			old.Active = false
			deactivated = true
		}
		return old
	})

	if deactivated {
		t.logger.Warn("ticker deactivated",
			"ticker", ticker,
			"consecutive_failures", st.ConsecutiveFailures,
			"last_error", st.LastError)
	}
	return st
}

// IsActive reports whether ticker may be fetched.
func (t *Tracker) IsActive(ticker price.Ticker) bool {
	st, ok := t.states.Load(ticker)
	return !ok || st.Active
}

// Reactivate makes ticker active again and clears its failure count.
// It reports whether the ticker was inactive.
func (t *Tracker) Reactivate(ticker price.Ticker) bool {
	now := t.now()
	var wasInactive bool
	t.states.Update(ticker, func(old State, exists bool) State {
		wasInactive = exists && !old.Active
		return State{Active: true, UpdatedAt: now}
	})
	if wasInactive {
		t.logger.Info("ticker reactivated", "ticker", ticker)
	}
	return wasInactive
}

// State returns the bookkeeping for ticker, if any has been recorded.
func (t *Tracker) State(ticker price.Ticker) (State, bool) {
	return t.states.Load(ticker)
}

// Counts returns the number of tracked active and inactive tickers.
func (t *Tracker) Counts() (active, inactive int) {
	t.states.Range(func(_ price.Ticker, st State) bool {
		if st.Active {
			active++
		} else {
			inactive++
		}
		return true
	})
	return active, inactive
}

// Inactive returns the deactivated tickers in sorted order.
func (t *Tracker) Inactive() []price.Ticker {
	var out []price.Ticker
	t.states.Range(func(k price.Ticker, st State) bool {
		if !st.Active {
			out = append(out, k)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
