package recon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig sets the cadence of each sweep. A non-positive interval
// disables that sweep.
type SchedulerConfig struct {
	Reconciler          *Reconciler
	FundingInterval     time.Duration
	AutoReleaseInterval time.Duration
	ReminderInterval    time.Duration
	Logger              *slog.Logger
}

// Scheduler runs each sweep on its own ticker.
type Scheduler struct {
	reconciler *Reconciler
	jobs       []job
	logger     *slog.Logger
}

type job struct {
	name     string
	interval time.Duration
	run      func(context.Context) (Result, error)
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{reconciler: cfg.Reconciler, logger: logger}
	if r := cfg.Reconciler; r != nil {
		candidates := []job{
			{name: SweepFunding, interval: cfg.FundingInterval, run: r.ReconcileFunding},
			{name: SweepAutoRelease, interval: cfg.AutoReleaseInterval, run: r.AutoReleaseSweep},
			{name: SweepReminders, interval: cfg.ReminderInterval, run: r.DeliveryReminders},
		}
		for _, j := range candidates {
			if j.interval > 0 {
				s.jobs = append(s.jobs, j)
			}
		}
	}
	return s
}

// Start blocks until ctx is cancelled and every sweep loop has returned.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || len(s.jobs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.run(ctx); err != nil && !errors.Is(err, ErrLocked) && ctx.Err() == nil {
				s.logger.Warn("scheduled sweep failed", slog.String("sweep", j.name), slog.Any("error", err))
			}
		}
	}
}
