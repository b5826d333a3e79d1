package job_queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDeliveriesClosed is returned by Run when the broker closes the
// delivery channel while the context is still live.
var ErrDeliveriesClosed = errors.New("delivery channel closed by broker")

// earlyTolerance is how far ahead of NotBefore a task may arrive and still
// be handled.
const earlyTolerance = time.Second

// Handler processes one task and reports what should happen to it.
type Handler func(ctx context.Context, task ExitTask) Outcome

// Hooks observe task outcomes. Nil hooks are skipped.
type Hooks struct {
	OnCompleted func(task ExitTask, outcome Outcome)
	OnRetry     func(task ExitTask, outcome Outcome, delay time.Duration)
	OnFailed    func(task ExitTask, reason string)
}

// ConsumerConfig tunes delivery and retry.
type ConsumerConfig struct {
	Tag         string
	Workers     int
	Prefetch    int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

// Consumer reads the work queue and applies Handler outcomes.
type Consumer struct {
	ch    Channel
	topo  Topology
	pub   *Publisher
	cfg   ConsumerConfig
	hooks Hooks
	log   *logrus.Entry
	clock func() time.Time
}

func NewConsumer(ch Channel, topo Topology, pub *Publisher, cfg ConsumerConfig, hooks Hooks) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		ch:    ch,
		topo:  topo,
		pub:   pub,
		cfg:   cfg,
		hooks: hooks,
		log:   logrus.WithField("component", "job_queue"),
		clock: time.Now,
	}
}

// Run consumes until ctx is cancelled or the broker closes the deliveries.
// In-flight tasks finish before Run returns; unacked deliveries are
// redelivered by the broker.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.ch.Consume(c.topo.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register a consumer on '%s': %w", c.topo.Queue, err)
	}
	c.log.Infof("Consumer registered on '%s' with %d workers. Waiting for tasks...", c.topo.Queue, c.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-msgs:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return ErrDeliveriesClosed
					}
					// Cancellation stops the receive loop only; a task
					// already taken runs to completion.
					c.handle(context.WithoutCancel(gctx), d, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	task, err := DecodeExitTask(d.Body)
	if err != nil {
		c.log.WithField("message_id", d.MessageId).Errorf("Dropping malformed task: %v. Body: %s", err, string(d.Body))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Errorf("Failed to Nack malformed task: %v", nackErr)
		}
		c.failed(ExitTask{TaskID: d.MessageId}, "malformed task: "+err.Error())
		return
	}
	log := c.log.WithFields(logrus.Fields{"task_id": task.TaskID, "order_id": task.OrderID, "attempt": task.Attempt})

	// The delay queue only bounds the earliest delivery loosely; hold the
	// task back again if it came in early.
	if wait := task.NotBefore.Sub(c.clock()); wait > earlyTolerance {
		log.Debugf("Task arrived %v early, re-delaying", wait)
		c.republish(d, task, log)
		return
	}

	outcome := handler(ctx, task)
	switch outcome.Kind {
	case OutcomeDone:
		log.Infof("Task completed: %s", outcome.Reason)
		c.ack(d, log)
		if c.hooks.OnCompleted != nil {
			c.hooks.OnCompleted(task, outcome)
		}
	case OutcomeRetry:
		c.retry(d, task, outcome, log)
	default:
		log.Errorf("Unknown outcome %v, requeueing", outcome.Kind)
		if err := d.Nack(false, true); err != nil {
			log.Errorf("Failed to Nack task: %v", err)
		}
	}
}

func (c *Consumer) retry(d amqp.Delivery, task ExitTask, outcome Outcome, log *logrus.Entry) {
	next := task
	next.Attempt = task.Attempt + 1
	next.LastError = outcome.Reason

	if next.Attempt >= c.cfg.MaxAttempts {
		log.Errorf("Task failed permanently after %d attempts: %s", next.Attempt, outcome.Reason)
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := c.pub.Park(ctx, next); err != nil {
			log.Errorf("Failed to park task, requeueing: %v", err)
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Errorf("Failed to Nack task: %v", nackErr)
			}
			return
		}
		c.ack(d, log)
		c.failed(next, outcome.Reason)
		return
	}

	delay := Backoff(task.Attempt, c.cfg.RetryBase, c.cfg.RetryMax)
	if outcome.After > delay {
		delay = outcome.After
	}
	next.NotBefore = c.clock().Add(delay).UTC()
	log.Warnf("Task will be retried in %v (attempt %d/%d): %s", delay, next.Attempt+1, c.cfg.MaxAttempts, outcome.Reason)
	if c.republish(d, next, log) && c.hooks.OnRetry != nil {
		c.hooks.OnRetry(next, outcome, delay)
	}
}

// republish sends task back through the publisher and acks the delivery.
// If publishing fails the delivery is requeued instead.
func (c *Consumer) republish(d amqp.Delivery, task ExitTask, log *logrus.Entry) bool {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.pub.Publish(ctx, task); err != nil {
		log.Errorf("Failed to republish task, requeueing: %v", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Errorf("Failed to Nack task: %v", nackErr)
		}
		return false
	}
	c.ack(d, log)
	return true
}

func (c *Consumer) ack(d amqp.Delivery, log *logrus.Entry) {
	if err := d.Ack(false); err != nil {
		// The broker will redeliver; the worker's OPEN check makes that a no-op.
		log.Errorf("Failed to Ack task: %v", err)
	}
}

func (c *Consumer) failed(task ExitTask, reason string) {
	if c.hooks.OnFailed != nil {
		c.hooks.OnFailed(task, reason)
	}
}
