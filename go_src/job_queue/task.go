// Package job_queue delivers delayed exit tasks over RabbitMQ with
// at-least-once semantics: manual acks, delayed redelivery with backoff and
// a parking queue for tasks that exhausted their attempts.
package job_queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExitTask asks the worker to square off the position opened by OrderID.
type ExitTask struct {
	TaskID     string    `json:"task_id"`
	OrderID    string    `json:"order_id"`
	NotBefore  time.Time `json:"not_before"`
	Attempt    int       `json:"attempt"` // deliveries that already ended in Retry
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

func (t ExitTask) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeExitTask parses a message body. A task without an order id is
// malformed.
func DecodeExitTask(body []byte) (ExitTask, error) {
	var t ExitTask
	if err := json.Unmarshal(body, &t); err != nil {
		return ExitTask{}, fmt.Errorf("failed to unmarshal exit task: %w", err)
	}
	if t.OrderID == "" {
		return ExitTask{}, fmt.Errorf("exit task %q has no order_id", t.TaskID)
	}
	if t.Attempt < 0 {
		t.Attempt = 0
	}
	return t, nil
}

// OutcomeKind tells the consumer what to do with a delivery.
type OutcomeKind int

const (
	// OutcomeDone acknowledges the task; nothing is retried.
	OutcomeDone OutcomeKind = iota
	// OutcomeRetry schedules a redelivery subject to the attempt limit.
	OutcomeRetry
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is returned by a Handler for every task.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	// After is the minimum delay before a retry; the backoff applies when
	// it is longer.
	After time.Duration
}

func Done(reason string) Outcome  { return Outcome{Kind: OutcomeDone, Reason: reason} }
func Retry(reason string) Outcome { return Outcome{Kind: OutcomeRetry, Reason: reason} }

// RetryAfter asks for a retry no sooner than after.
func RetryAfter(reason string, after time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, After: after}
}

// Backoff returns base * 2^attempt, capped at max. A non-positive base falls
// back to one second.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt < 0 {
		return base
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
