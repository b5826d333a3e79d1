package scheduler

import (
	"context"
	"fmt"
	"time"

	"squareoff/go_src/configuration"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/position"
	"squareoff/go_src/reconcile"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
)

const (
	jobNameReconcile        = "JobReconcile"
	jobNameScheduleAutoExit = "JobScheduleAutoExit"
)

// Enqueuer publishes exit tasks. *job_queue.Publisher satisfies it.
type Enqueuer interface {
	EnqueueExitTask(ctx context.Context, orderID string, notBefore time.Time) (job_queue.ExitTask, error)
}

// Reconciler runs one reconciliation sweep. *reconcile.Job satisfies it.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Deps wires the jobs. A nil Reconciler skips JobReconcile; a nil Enqueuer
// skips JobScheduleAutoExit.
type Deps struct {
	Store       position.Store
	Enqueuer    Enqueuer
	Reconciler  Reconciler
	OnReconcile func(reconcile.Report, error)
	OnScheduled func(error)
	Clock       func() time.Time
}

// --- Job Functions ---

// JobReconcile runs one reconciliation sweep.
func JobReconcile(ctx context.Context, r Reconciler, observe func(reconcile.Report, error)) {
	logrus.Debug("Scheduler: Running JobReconcile")
	report, err := r.Run(ctx)
	if observe != nil {
		observe(report, err)
	}
	if err != nil {
		logrus.Errorf("JobReconcile: run failed: %v", err)
		return
	}
	if report.Closed > 0 || report.Failed > 0 {
		logrus.Infof("JobReconcile: checked %d, closed %d, failed %d", report.Checked, report.Closed, report.Failed)
	}
}

// JobScheduleAutoExit enqueues an immediate exit task for every OPEN
// position without a live exit claim and flags it PENDING. It returns the
// number enqueued.
func JobScheduleAutoExit(ctx context.Context, store position.Store, enq Enqueuer, clock func() time.Time, observe func(error)) int {
	logrus.Info("Scheduler: Running JobScheduleAutoExit")
	if clock == nil {
		clock = time.Now
	}
	open, err := store.FindAllOpen(ctx)
	if err != nil {
		logrus.Errorf("JobScheduleAutoExit: failed to list open positions: %v", err)
		return 0
	}

	enqueued := 0
	for _, p := range open {
		now := clock().UTC()
		// An expired claim belongs to a worker that died; schedule it again.
		if p.AutoSquareOffStatus == position.AutoSquareOffInProgress && p.ExitLeaseUntil != nil && p.ExitLeaseUntil.After(now) {
			continue
		}
		task, err := enq.EnqueueExitTask(ctx, p.OrderID, now)
		if observe != nil {
			observe(err)
		}
		if err != nil {
			logrus.Errorf("JobScheduleAutoExit: failed to enqueue exit for order %s: %v", p.OrderID, err)
			continue
		}
		enqueued++
		if err := store.MarkExitPending(ctx, p.OrderID, now); err != nil {
			logrus.Warnf("JobScheduleAutoExit: task %s enqueued but order %s not flagged pending: %v", task.TaskID, p.OrderID, err)
		}
	}
	logrus.Infof("JobScheduleAutoExit: enqueued %d of %d open positions", enqueued, len(open))
	return enqueued
}

// ParseCloseTime turns "HH:MM" into a gocron daily trigger.
func ParseCloseTime(s string) (gocron.AtTime, error) {
	hour, minute, err := configuration.ParseClockTime(s)
	if err != nil {
		return nil, err
	}
	return gocron.NewAtTime(hour, minute, 0), nil
}

// NewScheduler creates a gocron scheduler in the configured trading
// timezone.
func NewScheduler(cfg *configuration.Config) (gocron.Scheduler, error) {
	tz := cfg.Trade.Timezone
	if tz == "" {
		logrus.Warnf("'trade.timezone' not set, using UTC as default.")
		tz = "UTC"
	}
	location, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load trading timezone '%s': %w", tz, err)
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	logrus.Infof("Using timezone for scheduler: %s", location.String())
	return s, nil
}

// Register adds the jobs to s. ctx is handed to every run; cancel it
// before s.Shutdown to abort in-flight work.
func Register(ctx context.Context, s gocron.Scheduler, cfg *configuration.Config, deps Deps) error {
	onReconcile := deps.OnReconcile
	if onReconcile == nil {
		onReconcile = func(reconcile.Report, error) {}
	}
	onScheduled := deps.OnScheduled
	if onScheduled == nil {
		onScheduled = func(error) {}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	if deps.Reconciler != nil {
		interval := time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second
		if interval <= 0 {
			return fmt.Errorf("reconcile.interval_seconds must be positive")
		}
		_, err := s.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(JobReconcile, ctx, deps.Reconciler, onReconcile),
			gocron.WithName(jobNameReconcile),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", jobNameReconcile, err)
		}
		logrus.Infof("%s scheduled every %s.", jobNameReconcile, interval)
	}

	if deps.Enqueuer != nil && cfg.AutoExit.ClosePositionTime != "" {
		if deps.Store == nil {
			return fmt.Errorf("%s needs a position store", jobNameScheduleAutoExit)
		}
		at, err := ParseCloseTime(cfg.AutoExit.ClosePositionTime)
		if err != nil {
			return fmt.Errorf("auto_exit.close_position_time: %w", err)
		}
		_, err = s.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(at)),
			gocron.NewTask(JobScheduleAutoExit, ctx, deps.Store, deps.Enqueuer, clock, onScheduled),
			gocron.WithName(jobNameScheduleAutoExit),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s at %s: %w", jobNameScheduleAutoExit, cfg.AutoExit.ClosePositionTime, err)
		}
		logrus.Infof("%s scheduled daily at %s (in scheduler's timezone).", jobNameScheduleAutoExit, cfg.AutoExit.ClosePositionTime)
	}
	return nil
}
