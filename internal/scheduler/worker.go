package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/metrics"
)

// Worker runs one job on its interval. A run that is still in progress when
// the next tick fires causes that tick to be skipped.
type Worker struct {
	job     Job
	metrics *metrics.Collector
	logger  *zap.Logger
	running sync.Mutex
}

func NewWorker(job Job, metrics *metrics.Collector, logger *zap.Logger) *Worker {
	return &Worker{
		job:     job,
		metrics: metrics,
		logger:  logger.With(zap.String("job", job.Name)),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Worker started", zap.Duration("interval", w.job.Interval))

	w.tick(ctx)

	ticker := time.NewTicker(w.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	ran, err := w.runGuarded(ctx)
	if !ran {
		w.logger.Warn("Previous run still in progress, skipping")
		return
	}
	if err != nil && ctx.Err() == nil {
		w.logger.Error("Job failed", zap.Error(err))
	}
}

// runGuarded runs the job unless a run is already in progress.
func (w *Worker) runGuarded(ctx context.Context) (bool, error) {
	if !w.running.TryLock() {
		return false, nil
	}
	defer w.running.Unlock()

	start := time.Now()
	err := w.job.Run(ctx)
	duration := time.Since(start)

	w.metrics.RecordJob(w.job.Name, duration, err)
	w.logger.Debug("Job completed", zap.Duration("duration", duration), zap.Bool("failed", err != nil))

	return true, err
}
