package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/checks"
	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/leases"
	"github.com/leozw/credentials-manager/internal/metrics"
)

// Engine is the lease work the scheduler drives.
type Engine interface {
	Dispatch(ctx context.Context) (*leases.DispatchSummary, error)
	Recover(ctx context.Context) ([]*db.RecoveredLease, error)
	GeneratePairings(ctx context.Context) (*leases.PairingSummary, error)
	RefreshGauges(ctx context.Context) error
}

type Checker interface {
	CheckAll(ctx context.Context, all bool) (*checks.Summary, error)
}

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Scheduler struct {
	jobs    []Job
	metrics *metrics.Collector
	logger  *zap.Logger
	workers []*Worker
	wg      sync.WaitGroup
}

func NewScheduler(jobs []Job, metrics *metrics.Collector, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:    jobs,
		metrics: metrics,
		logger:  logger,
	}
}

// DefaultJobs builds the periodic jobs of the lease engine. Jobs with a zero
// interval are left out.
func DefaultJobs(engine Engine, checker Checker, cfg config.SchedulerConfig) []Job {
	jobs := []Job{
		{Name: "recovery", Interval: cfg.RecoveryInterval, Run: func(ctx context.Context) error {
			_, err := engine.Recover(ctx)
			return err
		}},
		{Name: "dispatch", Interval: cfg.DispatchInterval, Run: func(ctx context.Context) error {
			_, err := engine.Dispatch(ctx)
			return err
		}},
		{Name: "pairings", Interval: cfg.PairingInterval, Run: func(ctx context.Context) error {
			_, err := engine.GeneratePairings(ctx)
			return err
		}},
		{Name: "gauges", Interval: cfg.GaugeInterval, Run: engine.RefreshGauges},
		{Name: "check", Interval: cfg.CheckInterval, Run: func(ctx context.Context) error {
			_, err := checker.CheckAll(ctx, false)
			return err
		}},
		{Name: "full_check", Interval: cfg.FullCheckInterval, Run: func(ctx context.Context) error {
			_, err := checker.CheckAll(ctx, true)
			return err
		}},
	}

	enabled := jobs[:0]
	for _, job := range jobs {
		if job.Interval > 0 {
			enabled = append(enabled, job)
		}
	}
	return enabled
}

// Start runs one worker per job and blocks until ctx is done and every
// running job has returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler", zap.Int("job_count", len(s.jobs)))

	s.workers = make([]*Worker, len(s.jobs))
	for i, job := range s.jobs {
		worker := NewWorker(job, s.metrics, s.logger)
		s.workers[i] = worker
		s.wg.Add(1)
		go func(w *Worker) {
			defer s.wg.Done()
			w.Start(ctx)
		}(worker)
	}

	<-ctx.Done()
	s.logger.Info("Stopping scheduler")
	s.wg.Wait()
}
