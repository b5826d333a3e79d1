// Package auto_exit squares off open positions when their exit task comes
// due: it claims the position, places the opposite market order and records
// the result.
package auto_exit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"squareoff/go_src/broker"
	"squareoff/go_src/job_queue"
	"squareoff/go_src/logging_helper"
	"squareoff/go_src/position"
	"squareoff/go_src/position_lock"
	"squareoff/go_src/trade_exceptions"

	"github.com/sirupsen/logrus"
)

const (
	defaultClaimLease = 2 * time.Minute
	lockKeyPrefix     = "exit:"
)

// Config holds the exit policy.
type Config struct {
	ExitProductType string
	ClaimLease      time.Duration
	LockTTL         time.Duration
}

// Option customises a Worker.
type Option func(*Worker)

// WithLocker holds a per-order lock around claim, order and persist.
func WithLocker(l position_lock.Locker) Option {
	return func(w *Worker) { w.locker = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.clock = now }
}

// Runner delivers tasks to a handler until its context ends.
type Runner interface {
	Run(ctx context.Context, handler job_queue.Handler) error
}

// Worker processes exit tasks against a store and a gateway.
type Worker struct {
	store   position.Store
	gateway broker.Gateway
	locker  position_lock.Locker
	cfg     Config
	clock   func() time.Time
	log     *logrus.Entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

func NewWorker(store position.Store, gateway broker.Gateway, cfg Config, opts ...Option) *Worker {
	if cfg.ExitProductType == "" {
		cfg.ExitProductType = position.DefaultExitProductType
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaultClaimLease
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.ClaimLease
	}
	w := &Worker{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		clock:   time.Now,
		log:     logging_helper.Component("auto_exit"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process runs one exit task. It never panics on business failures; every
// path ends in an Outcome for the queue adapter.
func (w *Worker) Process(ctx context.Context, task job_queue.ExitTask) job_queue.Outcome {
	log := w.log.WithFields(logrus.Fields{"order_id": task.OrderID, "task_id": task.TaskID, "attempt": task.Attempt})

	p, err := w.store.FindByOrderID(ctx, task.OrderID)
	if err != nil {
		if errors.Is(err, trade_exceptions.ErrPositionNotFound) {
			log.Warn("Position not found, nothing to exit")
			return job_queue.Done("position not found")
		}
		log.Errorf("Failed to load position: %v", err)
		return job_queue.Retry(fmt.Sprintf("load position: %v", err))
	}
	if !p.IsOpen() {
		log.Infof("Position is %s, skipping exit", p.Status)
		return job_queue.Done("position not open")
	}

	exitSide, err := position.Opposite(p.Side)
	if err != nil {
		// A record with an unknown side cannot be exited by retrying.
		log.Errorf("Cannot exit position: %v", err)
		if ferr := w.store.FailExit(context.WithoutCancel(ctx), p.OrderID, err.Error(), w.clock().UTC()); ferr != nil {
			log.Errorf("Failed to record exit failure: %v", ferr)
		}
		return job_queue.Done(err.Error())
	}

	if w.locker != nil {
		unlock, err := w.locker.Acquire(ctx, lockKeyPrefix+p.OrderID, w.cfg.LockTTL)
		if errors.Is(err, trade_exceptions.ErrLockHeld) {
			log.Infof("Exit lock held elsewhere, checking again in %v", w.cfg.LockTTL)
			return job_queue.RetryAfter(trade_exceptions.ErrExitInFlight.Error(), w.cfg.LockTTL)
		}
		if err != nil {
			log.Errorf("Failed to acquire exit lock: %v", err)
			return job_queue.Retry(fmt.Sprintf("acquire lock: %v", err))
		}
		defer unlock()
	}

	now := w.clock().UTC()
	claimed, err := w.store.ClaimExit(ctx, p.OrderID, now, now.Add(w.cfg.ClaimLease))
	if err != nil {
		if !trade_exceptions.IsRetryable(err) {
			log.Warnf("Position cannot be claimed: %v", err)
			return job_queue.Done(err.Error())
		}
		log.Errorf("Failed to claim position for exit: %v", err)
		return job_queue.Retry(fmt.Sprintf("claim exit: %v", err))
	}
	if !claimed {
		return w.lostClaim(ctx, log, p.OrderID, now)
	}

	req := broker.OrderRequest{
		ClientCode:    p.ClientCode,
		TradingSymbol: p.TradingSymbol,
		SymbolToken:   p.SymbolToken,
		Exchange:      p.Exchange,
		Side:          exitSide,
		Quantity:      p.Quantity,
		OrderType:     position.OrderTypeMarket,
		ProductType:   w.cfg.ExitProductType,
		Variety:       position.VarietyNormal,
		Duration:      position.DurationDay,
	}
	log.Infof("Placing exit order: %s %d %s", exitSide, p.Quantity, p.TradingSymbol)
	result, gwErr := w.gateway.PlaceOrder(ctx, req)

	// The outcome must be recorded even if the worker is shutting down.
	persistCtx := context.WithoutCancel(ctx)
	at := w.clock().UTC()

	if gwErr != nil || !result.OK {
		reason := result.Error
		if gwErr != nil {
			reason = gwErr.Error()
		}
		if reason == "" {
			reason = "order rejected without reason"
		}
		log.Errorf("Exit order failed: %s", reason)
		if err := w.store.FailExit(persistCtx, p.OrderID, reason, at); err != nil {
			log.Errorf("Failed to record exit failure: %v", err)
			return job_queue.Retry(fmt.Sprintf("%s; record failure: %v", reason, err))
		}
		return job_queue.Retry(reason)
	}

	exitOrderID := result.OrderID
	if exitOrderID == "" {
		log.Warn("Broker accepted the exit without an order id")
		exitOrderID = position.UnknownExitOrderID
	}
	if err := w.store.CompleteExit(persistCtx, p.OrderID, exitOrderID, at); err != nil {
		if errors.Is(err, trade_exceptions.ErrInvalidState) {
			// Reconciliation closed the position while the order was in flight.
			log.Warnf("Exit order %s placed but position no longer open: %v", exitOrderID, err)
			return job_queue.Done("position closed during exit")
		}
		log.Errorf("Exit order %s placed but store update failed: %v", exitOrderID, err)
		return job_queue.Retry(fmt.Sprintf("record exit %s: %v", exitOrderID, err))
	}
	log.Infof("Position squared off with exit order %s", exitOrderID)
	return job_queue.Done("exited with order " + exitOrderID)
}

// lostClaim decides what to do when another worker holds the claim. The
// holder may crash before finishing, so the task is only dropped once the
// position is no longer open; otherwise it comes back after the lease.
func (w *Worker) lostClaim(ctx context.Context, log *logrus.Entry, orderID string, now time.Time) job_queue.Outcome {
	p, err := w.store.FindByOrderID(ctx, orderID)
	if errors.Is(err, trade_exceptions.ErrPositionNotFound) {
		return job_queue.Done("position not found")
	}
	if err == nil && !p.IsOpen() {
		log.Info("Position closed meanwhile")
		return job_queue.Done("position not open")
	}
	after := w.cfg.ClaimLease
	if err == nil && p.ExitLeaseUntil != nil && p.ExitLeaseUntil.After(now) {
		after = p.ExitLeaseUntil.Sub(now) + time.Second
	}
	log.Infof("Exit already in flight, checking again in %v", after)
	return job_queue.RetryAfter(trade_exceptions.ErrExitInFlight.Error(), after)
}

// Start runs r with Process as the handler in the background.
func (w *Worker) Start(ctx context.Context, r Runner) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done, w.runErr = cancel, done, nil
	go func() {
		err := r.Run(runCtx, w.Process)
		w.mu.Lock()
		w.runErr = err
		w.mu.Unlock()
		close(done)
	}()
	w.log.Info("Auto-exit worker started")
	return nil
}

// Done is closed when the runner returns, either after Shutdown or on its
// own (e.g. the broker closed the channel). Err then reports why.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Err returns the runner's error once Done is closed.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runErr
}

// Shutdown stops the runner and waits for in-flight tasks, up to ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		w.mu.Lock()
		err := w.runErr
		w.cancel = nil
		w.mu.Unlock()
		w.log.Info("Auto-exit worker stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("auto-exit worker shutdown: %w", ctx.Err())
	}
}
