package job_queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Publisher writes exit tasks to the work or delay queue.
type Publisher struct {
	ch    Channel
	topo  Topology
	clock func() time.Time
}

func NewPublisher(ch Channel, topo Topology) *Publisher {
	return &Publisher{ch: ch, topo: topo, clock: time.Now}
}

// EnqueueExitTask schedules an exit for orderID, delivered at or after
// notBefore.
func (p *Publisher) EnqueueExitTask(ctx context.Context, orderID string, notBefore time.Time) (ExitTask, error) {
	if orderID == "" {
		return ExitTask{}, fmt.Errorf("orderID cannot be empty")
	}
	now := p.clock().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	task := ExitTask{
		TaskID:     uuid.NewString(),
		OrderID:    orderID,
		NotBefore:  notBefore.UTC(),
		EnqueuedAt: now,
	}
	if err := p.Publish(ctx, task); err != nil {
		return ExitTask{}, err
	}
	return task, nil
}

// Publish routes task to a delay queue when NotBefore is at least
// earlyTolerance away and to the work queue otherwise.
func (p *Publisher) Publish(ctx context.Context, task ExitTask) error {
	delay := task.NotBefore.Sub(p.clock())
	if delay >= earlyTolerance {
		queue, _ := p.topo.DelayQueueFor(delay)
		return p.send(ctx, queue, task)
	}
	return p.send(ctx, p.topo.Queue, task)
}

// Park moves a task to the parking queue.
func (p *Publisher) Park(ctx context.Context, task ExitTask) error {
	return p.send(ctx, p.topo.ParkingQueue(), task)
}

func (p *Publisher) send(ctx context.Context, routingKey string, task ExitTask) error {
	body, err := task.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal exit task %s: %w", task.TaskID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.topo.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.TaskID,
		Timestamp:    p.clock().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish exit task %s to '%s': %w", task.TaskID, routingKey, err)
	}
	return nil
}
