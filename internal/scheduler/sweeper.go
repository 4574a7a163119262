// Package scheduler re-drives runs left without a driver, on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Recoverer adopts runs that are active in the store but have no driver in
// this process. Satisfied by the engine (avoids import cycle).
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Sweeper periodically calls a Recoverer. Sweeps never overlap.
type Sweeper struct {
	rec      Recoverer
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   bool
	last       Stats
}

// Stats describes the most recent sweep.
type Stats struct {
	At      time.Time
	Adopted int
	Err     error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper parses spec (five-field cron or a descriptor such as
// "@every 1m") and returns a stopped Sweeper.
func NewSweeper(rec Recoverer, spec string, logger *slog.Logger) (*Sweeper, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweeper schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{rec: rec, schedule: schedule, logger: logger}, nil
}

// Start sweeps once immediately, then on every scheduled tick.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("sweeper started")
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)
	for {
		now := time.Now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass. It reports false when a pass was already in
// flight and this call did nothing.
func (s *Sweeper) Sweep(ctx context.Context) bool {
	if !s.tryAcquire() {
		return false
	}
	defer s.release()

	n, err := s.rec.Recover(ctx)
	s.inflightMu.Lock()
	s.last = Stats{At: time.Now().UTC(), Adopted: n, Err: err}
	s.inflightMu.Unlock()

	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return true
	}
	if n > 0 {
		s.logger.Info("sweep adopted runs", slog.Int("count", n))
	}
	return true
}

// Last returns the result of the most recent sweep.
func (s *Sweeper) Last() Stats {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return s.last
}

// NextRun computes the next sweep time after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *Sweeper) tryAcquire() bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *Sweeper) release() {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight = false
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}
