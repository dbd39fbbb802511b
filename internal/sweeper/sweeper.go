package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cascadelab/cascade/internal/store"
)

// Default schedules: sweep every minute, compact nightly.
const (
	DefaultSweepSchedule  = "* * * * *"
	DefaultVacuumSchedule = "0 3 * * *"
	DefaultGracePeriod    = 2 * time.Minute
)

// ZombieCleaner is the interface the sweeper drives. Satisfied by the
// session manager (avoids import cycle).
type ZombieCleaner interface {
	CleanupZombies(ctx context.Context, gracePeriod time.Duration) (int, error)
}

// Sweeper periodically orphans sessions whose heartbeat lease expired and
// compacts the store on a slower cadence. One sweeper per process is
// enough; concurrent sweeps across processes are harmless because every
// orphaning write is conditional on the session still being active.
type Sweeper struct {
	cleaner ZombieCleaner
	store   store.Store
	parser  cron.Parser
	logger  *slog.Logger

	sweepSchedule  cron.Schedule
	vacuumSchedule cron.Schedule
	gracePeriod    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures the sweeper cadence.
type Options struct {
	// SweepSchedule and VacuumSchedule are standard five-field cron
	// expressions. Empty selects the defaults.
	SweepSchedule  string
	VacuumSchedule string
	GracePeriod    time.Duration
}

// NewSweeper creates a Sweeper. st may be nil to disable vacuuming.
func NewSweeper(cleaner ZombieCleaner, st store.Store, logger *slog.Logger, opts Options) (*Sweeper, error) {
	s := &Sweeper{
		cleaner:     cleaner,
		store:       st,
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:      logger,
		gracePeriod: opts.GracePeriod,
	}
	if s.gracePeriod <= 0 {
		s.gracePeriod = DefaultGracePeriod
	}

	var err error
	s.sweepSchedule, err = s.parseSchedule(opts.SweepSchedule, DefaultSweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	s.vacuumSchedule, err = s.parseSchedule(opts.VacuumSchedule, DefaultVacuumSchedule)
	if err != nil {
		return nil, fmt.Errorf("vacuum schedule: %w", err)
	}
	return s, nil
}

func (s *Sweeper) parseSchedule(expr, fallback string) (cron.Schedule, error) {
	if expr == "" {
		expr = fallback
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Start launches the background sweep loop.
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

	// Sweep once on startup so a restart after downtime reaps zombies
	// immediately instead of waiting out the schedule.
	s.Sweep(ctx)

	now := time.Now()
	nextSweep := s.sweepSchedule.Next(now)
	nextVacuum := s.vacuumSchedule.Next(now)

	for {
		next := nextSweep
		if nextVacuum.Before(next) {
			next = nextVacuum
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now = time.Now()
		if !now.Before(nextSweep) {
			s.Sweep(ctx)
			nextSweep = s.sweepSchedule.Next(now)
		}
		if !now.Before(nextVacuum) {
			s.vacuum(ctx)
			nextVacuum = s.vacuumSchedule.Next(now)
		}
	}
}

// Sweep runs one cleanup pass and returns the number of sessions orphaned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	count, err := s.cleaner.CleanupZombies(ctx, s.gracePeriod)
	if err != nil {
		s.logger.Error("zombie sweep failed", slog.String("error", err.Error()))
		return count
	}
	if count > 0 {
		s.logger.Info("zombie sweep complete", slog.Int("orphaned", count))
	}
	return count
}

func (s *Sweeper) vacuum(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Vacuum(ctx); err != nil {
		s.logger.Error("store vacuum failed", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("store vacuum complete")
}

// Stop gracefully shuts down the sweep loop.
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
