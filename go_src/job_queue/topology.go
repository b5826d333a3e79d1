package job_queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Channel is the subset of *amqp.Channel used by the publisher and consumer.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ Channel = (*amqp.Channel)(nil)

// DefaultDelayTiers are the fixed-TTL delay queues used when a Topology
// sets none.
var DefaultDelayTiers = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
}

// Topology names the exchange and queues of the exit pipeline.
//
//	<Exchange> --<Queue>-------------> <Queue>               (work, consumed)
//	<Exchange> --<Queue>.delay.<tier>-> <Queue>.delay.<tier> (queue TTL, dead-letters to work)
//	<Exchange> --<Queue>.failed------> <Queue>.failed        (parking)
//
// Every message in a delay queue shares the queue's TTL, so expiry order is
// arrival order and a long delay never holds back a short one.
type Topology struct {
	Exchange   string
	Queue      string
	DelayTiers []time.Duration
}

func (t Topology) ParkingQueue() string { return t.Queue + ".failed" }

// DelayQueue names the delay queue for one tier.
func (t Topology) DelayQueue(tier time.Duration) string {
	if tier%time.Second == 0 {
		return fmt.Sprintf("%s.delay.%ds", t.Queue, int64(tier/time.Second))
	}
	return fmt.Sprintf("%s.delay.%dms", t.Queue, tier.Milliseconds())
}

func (t Topology) tiers() []time.Duration {
	tiers := t.DelayTiers
	if len(tiers) == 0 {
		tiers = DefaultDelayTiers
	}
	out := make([]time.Duration, 0, len(tiers))
	for _, d := range tiers {
		if d >= time.Millisecond {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DelayQueueFor picks the largest tier not above delay, or the smallest tier
// when delay is shorter than all of them. A task arriving early is delayed
// again by the consumer for the remainder.
func (t Topology) DelayQueueFor(delay time.Duration) (string, time.Duration) {
	tiers := t.tiers()
	pick := tiers[0]
	for _, tier := range tiers {
		if tier > delay {
			break
		}
		pick = tier
	}
	return t.DelayQueue(pick), pick
}

// Declare creates the exchange, the work and parking queues and one delay
// queue per tier. It is idempotent.
func (t Topology) Declare(ch Channel) error {
	if t.Exchange == "" || t.Queue == "" {
		return fmt.Errorf("topology needs an exchange and a queue name")
	}
	if len(t.tiers()) == 0 {
		return fmt.Errorf("topology needs at least one delay tier of 1ms or more")
	}
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", t.Exchange, err)
	}

	type queueSpec struct {
		name string
		args amqp.Table
	}
	queues := []queueSpec{
		{t.ParkingQueue(), nil},
		// Rejected deliveries end up in the parking queue.
		{t.Queue, amqp.Table{
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": t.ParkingQueue(),
		}},
	}
	for _, tier := range t.tiers() {
		// Expired messages move to the work queue.
		queues = append(queues, queueSpec{t.DelayQueue(tier), amqp.Table{
			"x-message-ttl":             tier.Milliseconds(),
			"x-dead-letter-exchange":    t.Exchange,
			"x-dead-letter-routing-key": t.Queue,
		}})
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", q.name, err)
		}
		if err := ch.QueueBind(q.name, q.name, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue '%s' to '%s': %w", q.name, t.Exchange, err)
		}
	}
	return nil
}

// Dial connects to RabbitMQ, retrying a few times while the broker comes up.
func Dial(ctx context.Context, url string, attempts int, wait time.Duration) (*amqp.Connection, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logrus.Warnf("Failed to connect to RabbitMQ (attempt %d/%d): %v. Retrying in %v...", i+1, attempts, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
}
