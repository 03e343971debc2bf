package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leozw/credentials-manager/internal/checks"
	"github.com/leozw/credentials-manager/internal/config"
	"github.com/leozw/credentials-manager/internal/db"
	"github.com/leozw/credentials-manager/internal/leases"
	"github.com/leozw/credentials-manager/internal/metrics"
)

type fakeEngine struct {
	dispatches atomic.Int32
	recoveries atomic.Int32
}

func (e *fakeEngine) Dispatch(context.Context) (*leases.DispatchSummary, error) {
	e.dispatches.Add(1)
	return &leases.DispatchSummary{}, nil
}

func (e *fakeEngine) Recover(context.Context) ([]*db.RecoveredLease, error) {
	e.recoveries.Add(1)
	return nil, nil
}

func (e *fakeEngine) GeneratePairings(context.Context) (*leases.PairingSummary, error) {
	return &leases.PairingSummary{}, nil
}

func (e *fakeEngine) RefreshGauges(context.Context) error { return nil }

type fakeChecker struct {
	full atomic.Int32
}

func (c *fakeChecker) CheckAll(_ context.Context, all bool) (*checks.Summary, error) {
	if all {
		c.full.Add(1)
	}
	return &checks.Summary{}, nil
}

func TestDefaultJobs(t *testing.T) {
	t.Run("should leave out jobs without an interval", func(t *testing.T) {
		// Arrange
		cfg := config.SchedulerConfig{
			DispatchInterval: time.Minute,
			RecoveryInterval: time.Minute,
		}

		// Act
		jobs := DefaultJobs(&fakeEngine{}, &fakeChecker{}, cfg)

		// Assert
		names := make([]string, 0, len(jobs))
		for _, j := range jobs {
			names = append(names, j.Name)
		}
		assert.Equal(t, []string{"recovery", "dispatch"}, names)
	})

	t.Run("should run full checks over every proxy", func(t *testing.T) {
		// Arrange
		checker := &fakeChecker{}
		jobs := DefaultJobs(&fakeEngine{}, checker, config.SchedulerConfig{FullCheckInterval: time.Hour})
		require.Len(t, jobs, 1)

		// Act
		err := jobs[0].Run(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int32(1), checker.full.Load())
	})
}

func TestWorker_RunGuarded(t *testing.T) {
	t.Run("should skip a run while the previous one is in progress", func(t *testing.T) {
		// Arrange
		started := make(chan struct{})
		release := make(chan struct{})
		var runs atomic.Int32
		job := Job{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		}}
		sut := NewWorker(job, metrics.NewCollector(config.MimirConfig{}), zap.NewNop())

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = sut.runGuarded(context.Background())
		}()
		<-started

		// Act
		ran, err := sut.runGuarded(context.Background())
		close(release)
		<-done

		// Assert
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, int32(1), runs.Load())
	})

	t.Run("should record failures", func(t *testing.T) {
		// Arrange
		collector := metrics.NewCollector(config.MimirConfig{})
		job := Job{Name: "broken", Interval: time.Hour, Run: func(context.Context) error {
			return errors.New("boom")
		}}
		sut := NewWorker(job, collector, zap.NewNop())

		// Act
		ran, err := sut.runGuarded(context.Background())

		// Assert
		assert.True(t, ran)
		assert.EqualError(t, err, "boom")
		count, err := testutil.GatherAndCount(collector.Registry(), "credman_job_failures_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestScheduler_Start(t *testing.T) {
	t.Run("should run jobs on start and stop with the context", func(t *testing.T) {
		// Arrange
		engine := &fakeEngine{}
		jobs := DefaultJobs(engine, &fakeChecker{}, config.SchedulerConfig{
			DispatchInterval: 10 * time.Millisecond,
			RecoveryInterval: time.Hour,
		})
		sut := NewScheduler(jobs, metrics.NewCollector(config.MimirConfig{}), zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())

		// Act
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			sut.Start(ctx)
		}()

		// Assert
		assert.Eventually(t, func() bool { return engine.dispatches.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not stop")
		}
		assert.Equal(t, int32(1), engine.recoveries.Load())
	})
}
