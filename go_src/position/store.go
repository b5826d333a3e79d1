package position

import (
	"context"
	"time"
)

// Store is the durable record of positions. Implementations return an error
// wrapping trade_exceptions.ErrPositionNotFound when an order id is unknown.
//
// All mutations are single-record. The conditional methods (ClaimExit,
// CompleteExit, FailExit, MarkClosed, MarkExitPending) must be atomic
// against concurrent callers on the same order id.
type Store interface {
	FindByOrderID(ctx context.Context, orderID string) (*Position, error)
	FindAllOpen(ctx context.Context) ([]Position, error)
	// InsertPosition records a new position and fails with ErrStore if the
	// order id already exists.
	InsertPosition(ctx context.Context, p *Position) error
	// Save upserts the whole record, last write wins, except that a CLOSED
	// position is never overwritten by an OPEN one (ErrInvalidState).
	Save(ctx context.Context, p *Position) error

	// ClaimExit moves an OPEN position to IN_PROGRESS unless another
	// claim with a lease newer than now is live. It reports whether the
	// caller owns the exit attempt.
	ClaimExit(ctx context.Context, orderID string, now, leaseUntil time.Time) (bool, error)
	// CompleteExit closes the position and records the exit order.
	CompleteExit(ctx context.Context, orderID, exitOrderID string, exitAt time.Time) error
	// FailExit records a failed attempt and releases the claim. The
	// position stays OPEN.
	FailExit(ctx context.Context, orderID, reason string, at time.Time) error
	// MarkClosed transitions OPEN -> CLOSED after a confirmed fill. It
	// reports false when the position was no longer OPEN.
	MarkClosed(ctx context.Context, orderID string, at time.Time) (bool, error)
	// MarkExitPending flags an OPEN position whose exit task was enqueued.
	MarkExitPending(ctx context.Context, orderID string, at time.Time) error
}
