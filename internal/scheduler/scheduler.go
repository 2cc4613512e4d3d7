// Package scheduler periodically re-resolves every live price in the cache.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"priceresolver/internal/price"
	"priceresolver/internal/resolver"
)

const (
	// DefaultInterval is the refresh period.
	DefaultInterval = time.Hour
	defaultTimeout  = 10 * time.Minute
)

// Refresher resolves keys; *resolver.Resolver satisfies it.
type Refresher interface {
	ResolveMany(ctx context.Context, keys []price.Key, opts ...resolver.ResolveOption) map[price.Key]resolver.Outcome
}

// LiveSnapshot lists the live records to refresh; *cache.Cache satisfies it.
type LiveSnapshot interface {
	GetAllLive() []price.Record
}

// Run describes one refresh cycle.
type Run struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Tickers    int       `json:"tickers"`
	Refreshed  int       `json:"refreshed"`
	Failed     int       `json:"failed"`
}

// Scheduler runs at most one refresh cycle at a time, whether triggered by
// the timer or by RunOnce.
type Scheduler struct {
	refresher Refresher
	live      LiveSnapshot
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron

	// cycle is held for the duration of a refresh cycle.
	cycle   sync.Mutex
	running atomic.Bool
	last    atomic.Pointer[Run]
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTimeout bounds a timer-triggered cycle.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a stopped Scheduler.
func New(refresher Refresher, live LiveSnapshot, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		refresher: refresher,
		live:      live,
		interval:  interval,
		timeout:   defaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins refreshing every interval. The first cycle runs one interval
// after Start. Calling Start on a started Scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("refresh scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the timer and waits for an in-flight cycle, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.cycle.Lock()
		s.cycle.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce refreshes every live cached ticker now. It returns false without
// doing anything if another cycle is in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (Run, bool) {
	if !s.cycle.TryLock() {
		s.logger.Debug("refresh skipped, previous cycle still running")
		return Run{}, false
	}
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		s.cycle.Unlock()
	}()

	run := Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}

	snapshot := s.live.GetAllLive()
	keys := make([]price.Key, 0, len(snapshot))
	for _, rec := range snapshot {
		keys = append(keys, rec.Key())
	}
	run.Tickers = len(keys)

	if len(keys) > 0 {
		for _, out := range s.refresher.ResolveMany(ctx, keys, resolver.BypassCache()) {
			if out.Resolved() {
				run.Refreshed++
			} else {
				run.Failed++
			}
		}
	}

	run.FinishedAt = time.Now()
	s.last.Store(&run)

	s.logger.Info("refresh cycle finished",
		"run_id", run.ID,
		"tickers", run.Tickers,
		"refreshed", run.Refreshed,
		"failed", run.Failed,
		"duration", run.FinishedAt.Sub(run.StartedAt))
	return run, true
}

// LastRun returns the most recent completed cycle.
func (s *Scheduler) LastRun() (Run, bool) {
	r := s.last.Load()
	if r == nil {
		return Run{}, false
	}
	return *r, true
}

// LastRefresh returns the completion time of the most recent cycle, or the zero time.
func (s *Scheduler) LastRefresh() time.Time {
	r, _ := s.LastRun()
	return r.FinishedAt
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
