// Package reconcile sweeps OPEN positions and closes those whose broker
// order reports filled.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"squareoff/go_src/broker"
	"squareoff/go_src/logging_helper"
	"squareoff/go_src/position"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ItemResult is the outcome for one position in a run.
type ItemResult struct {
	OrderID string
	Filled  bool
	Closed  bool // this run moved the position to CLOSED
	Err     error
}

// Report summarises a run. Items follow the store's FindAllOpen order.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Items     []ItemResult
	Checked   int
	Closed    int
	Failed    int
}

// Job is the order reconciliation sweep.
type Job struct {
	store       position.Store
	gateway     broker.Gateway
	concurrency int
	clock       func() time.Time
	log         *logrus.Entry
}

// NewJob creates a Job. concurrency <= 1 checks positions one at a time.
func NewJob(store position.Store, gateway broker.Gateway, concurrency int) *Job {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Job{
		store:       store,
		gateway:     gateway,
		concurrency: concurrency,
		clock:       time.Now,
		log:         logging_helper.Component("reconcile"),
	}
}

// Run checks every OPEN position once. The only error returned is a failure
// to list open positions; per-position failures are in the report.
func (j *Job) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: j.clock().UTC()}

	open, err := j.store.FindAllOpen(ctx)
	if err != nil {
		j.log.Errorf("Failed to list open positions: %v", err)
		return report, fmt.Errorf("list open positions: %w", err)
	}

	report.Items = make([]ItemResult, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i := range open {
		p := open[i]
		g.Go(func() error {
			report.Items[i] = j.check(gctx, p)
			// Never fail the group: one bad item must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	for _, item := range report.Items {
		if item.Err != nil {
			report.Failed++
			continue
		}
		report.Checked++
		if item.Closed {
			report.Closed++
		}
	}
	report.Duration = j.clock().Sub(report.StartedAt)
	j.log.WithFields(logrus.Fields{
		"open":    len(open),
		"checked": report.Checked,
		"closed":  report.Closed,
		"failed":  report.Failed,
	}).Info("Reconciliation run finished")
	return report, nil
}

func (j *Job) check(ctx context.Context, p position.Position) ItemResult {
	res := ItemResult{OrderID: p.OrderID}
	log := j.log.WithFields(logrus.Fields{"order_id": p.OrderID, "client_code": p.ClientCode})

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	filled, err := j.gateway.CheckOrderStatus(ctx, p.ClientCode, p.OrderID)
	if err != nil {
		log.Errorf("Order status check failed: %v", err)
		res.Err = err
		return res
	}
	res.Filled = filled
	if !filled {
		return res
	}

	closed, err := j.store.MarkClosed(ctx, p.OrderID, j.clock().UTC())
	if err != nil {
		log.Errorf("Failed to mark position closed: %v", err)
		res.Err = err
		return res
	}
	res.Closed = closed
	if closed {
		log.Info("Order filled, position closed")
	}
	return res
}
