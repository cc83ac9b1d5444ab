package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultSessionMaxAge    = 60 * time.Minute
	DefaultSweepInterval    = 30 * time.Minute
	DefaultSweepConcurrency = 4
	DefaultRemovalTimeout   = 30 * time.Second
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	MaxAge         time.Duration
	Interval       time.Duration
	Concurrency    int
	RemovalTimeout time.Duration
	Logger         *slog.Logger
}

// Sweeper removes sessions that have been idle longer than the max age.
type Sweeper struct {
	registry       *Registry
	maxAge         time.Duration
	interval       time.Duration
	concurrency    int64
	removalTimeout time.Duration
	logger         *slog.Logger

	remove func(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// NewSweeper creates a sweeper over registry.
func NewSweeper(registry *Registry, opts SweeperOptions) *Sweeper {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultSessionMaxAge
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultSweepConcurrency
	}
	if opts.RemovalTimeout <= 0 {
		opts.RemovalTimeout = DefaultRemovalTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:       registry,
		maxAge:         opts.MaxAge,
		interval:       opts.Interval,
		concurrency:    int64(opts.Concurrency),
		removalTimeout: opts.RemovalTimeout,
		logger:         logger.With("component", "sweeper"),
		remove:         registry.RemoveIfIdle,
	}
}

// Run sweeps every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("sweeper started", "interval", s.interval, "max_age", s.maxAge)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			result := s.Sweep(ctx)
			if result.Removed > 0 || result.Failed > 0 {
				s.logger.Info("sweep finished", "scanned", result.Scanned, "removed", result.Removed, "failed", result.Failed)
			}
		}
	}
}

// Sweep removes every idle session once. Removals run independently with
// bounded concurrency; a failing, panicking or slow removal is counted as
// failed and does not hold up the rest.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	s.registry.metrics.SweepRuns.Inc()
	cutoff := s.registry.now().Add(-s.maxAge)
	idle, scanned := s.registry.idleSince(cutoff)

	var (
		mu     sync.Mutex
		result = SweepResult{Scanned: scanned}
		wg     sync.WaitGroup
	)
	record := func(removed bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Failed++
		case removed:
			result.Removed++
		}
	}

	sem := semaphore.NewWeighted(s.concurrency)
	for _, id := range idle {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			removed, err := s.removeOne(ctx, id, cutoff)
			if err != nil {
				s.logger.Warn("session removal failed", "session_id", id, "error", err)
			} else if removed {
				s.logger.Debug("expired idle session", "session_id", id)
			}
			record(removed, err)
		}(id)
	}
	wg.Wait()
	return result
}

// removeOne runs one removal under the per-removal timeout. A removal that
// outlives the timeout keeps running in the background.
func (s *Sweeper) removeOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.removalTimeout)
	defer cancel()

	type outcome struct {
		removed bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("panic removing session %s: %v", id, r)}
			}
			done <- out
		}()
		out.removed, out.err = s.remove(rctx, id, cutoff)
	}()

	select {
	case out := <-done:
		return out.removed, out.err
	case <-rctx.Done():
		return false, fmt.Errorf("remove session %s: %w", id, rctx.Err())
	}
}
