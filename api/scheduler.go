/*
scheduler.go - Idempotency key sweeper

PURPOSE:
  Periodically deletes idempotency records whose TTL has passed. An expired
  record still protects its key until it is swept; after that the key can
  only conflict with the reward row that used it.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps once on start, then on every tick
  - Start/Stop are safe to call from any goroutine; Stop waits for an
    in-flight sweep to finish

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour, 0 disables)

USAGE:
  sweeper := NewIdempotencySweeper(store, time.Hour, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - rewards/idempotency.go: Guard that writes the records
  - config/config.go: idempotency.sweep_interval
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/referral-ledger/core"
)

// DefaultSweepInterval is used when NewIdempotencySweeper gets a negative
// interval.
const DefaultSweepInterval = time.Hour

// IdempotencySweeper purges expired idempotency records.
type IdempotencySweeper struct {
	Store    core.IdempotencyStore
	Interval time.Duration
	Clock    core.Clock
	Logger   *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewIdempotencySweeper creates a sweeper. An interval of 0 disables it.
func NewIdempotencySweeper(store core.IdempotencyStore, interval time.Duration, logger *slog.Logger) *IdempotencySweeper {
	if interval < 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencySweeper{
		Store:    store,
		Interval: interval,
		Clock:    core.SystemClock{},
		Logger:   logger,
	}
}

// Start begins sweeping in the background.
func (s *IdempotencySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval == 0 {
		s.Logger.Info("idempotency sweeper disabled")
		return
	}
	if s.running {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.running = true
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.Logger.Info("idempotency sweeper started", "interval", s.Interval)
}

// Stop stops the sweeper and waits for it to exit.
func (s *IdempotencySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.running = false
	s.Logger.Info("idempotency sweeper stopped")
}

func (s *IdempotencySweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow sweeps once and returns the number of records removed.
func (s *IdempotencySweeper) RunNow(ctx context.Context) int64 {
	now := s.Clock.Now()
	n, err := s.Store.PurgeIdempotencyRecords(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.Logger.ErrorContext(ctx, "idempotency sweep failed", "error", err)
		}
		return 0
	}
	if n > 0 {
		s.Logger.InfoContext(ctx, "expired idempotency records purged", "count", n, "before", now)
	} else {
		s.Logger.DebugContext(ctx, "idempotency sweep found nothing to purge")
	}
	return n
}
