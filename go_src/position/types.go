// Package position holds the Position record shared by the auto-exit worker,
// the order reconciliation job and the store implementations.
package position

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Status is the lifecycle status of a position. OPEN -> CLOSED is the only
// transition; CLOSED is terminal.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// AutoSquareOffStatus tracks the auto-exit attempt for a position.
// The empty value means no attempt was ever scheduled.
type AutoSquareOffStatus string

const (
	AutoSquareOffNone       AutoSquareOffStatus = ""
	AutoSquareOffPending    AutoSquareOffStatus = "PENDING"
	AutoSquareOffInProgress AutoSquareOffStatus = "IN_PROGRESS"
	AutoSquareOffCompleted  AutoSquareOffStatus = "COMPLETED"
	AutoSquareOffFailed     AutoSquareOffStatus = "FAILED"
)

// Order types and exit defaults sent to the broker.
const (
	OrderTypeMarket = "MARKET"
	VarietyNormal   = "NORMAL"
	DurationDay     = "DAY"

	DefaultExitProductType = "INTRADAY"
	// UnknownExitOrderID is recorded when the broker accepted the exit but
	// returned no order id.
	UnknownExitOrderID = "AUTO_SQUAREOFF_UNKNOWN"
)

// Position is a trade held by a client account, keyed by the broker order id
// that opened it.
type Position struct {
	OrderID             string              `json:"order_id" yaml:"order_id"`
	ClientCode          string              `json:"client_code" yaml:"client_code"`
	TradingSymbol       string              `json:"trading_symbol" yaml:"trading_symbol"`
	SymbolToken         string              `json:"symbol_token,omitempty" yaml:"symbol_token,omitempty"`
	Exchange            string              `json:"exchange" yaml:"exchange"`
	Side                Side                `json:"side" yaml:"side"`
	Quantity            int64               `json:"quantity" yaml:"quantity"`
	ProductType         string              `json:"product_type" yaml:"product_type"`
	Status              Status              `json:"status" yaml:"status"`
	AutoSquareOffStatus AutoSquareOffStatus `json:"auto_square_off_status,omitempty" yaml:"auto_square_off_status,omitempty"`
	ExitOrderID         string              `json:"exit_order_id,omitempty" yaml:"exit_order_id,omitempty"`
	ExitAt              *time.Time          `json:"exit_at,omitempty" yaml:"exit_at,omitempty"`
	ExitLeaseUntil      *time.Time          `json:"exit_lease_until,omitempty" yaml:"exit_lease_until,omitempty"`
	ExitAttempts        int                 `json:"exit_attempts" yaml:"exit_attempts"`
	LastExitError       string              `json:"last_exit_error,omitempty" yaml:"last_exit_error,omitempty"`
	CreatedAt           time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at" yaml:"updated_at"`
}

// IsOpen reports whether the position can still be exited.
func (p *Position) IsOpen() bool {
	return p != nil && p.Status == StatusOpen
}

// Validate checks the fields required before a position is recorded.
func (p *Position) Validate() error {
	if p == nil {
		return fmt.Errorf("position cannot be nil")
	}
	if p.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if p.ClientCode == "" {
		return fmt.Errorf("client_code is required for order %s", p.OrderID)
	}
	if p.TradingSymbol == "" {
		return fmt.Errorf("trading_symbol is required for order %s", p.OrderID)
	}
	if p.Side != SideBuy && p.Side != SideSell {
		return fmt.Errorf("invalid side '%s' for order %s, must be BUY or SELL", p.Side, p.OrderID)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive for order %s, got %d", p.OrderID, p.Quantity)
	}
	switch p.Status {
	case StatusOpen, StatusClosed:
	default:
		return fmt.Errorf("invalid status '%s' for order %s", p.Status, p.OrderID)
	}
	return nil
}

// Normalize upper-cases side and status as sent by brokers ("buy", "open")
// and defaults an empty status to OPEN.
func (p *Position) Normalize() {
	if side, err := ParseSide(string(p.Side)); err == nil {
		p.Side = side
	}
	p.Status = Status(strings.ToUpper(strings.TrimSpace(string(p.Status))))
	if p.Status == "" {
		p.Status = StatusOpen
	}
	p.AutoSquareOffStatus = AutoSquareOffStatus(strings.ToUpper(strings.TrimSpace(string(p.AutoSquareOffStatus))))
}

// ParseSide normalises a broker side string ("buy", "Sell", ...).
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("invalid side '%s', must be BUY or SELL", s)
}

// Opposite returns the side that closes a position opened with s.
func Opposite(s Side) (Side, error) {
	switch s {
	case SideBuy:
		return SideSell, nil
	case SideSell:
		return SideBuy, nil
	}
	return "", fmt.Errorf("cannot compute exit side for '%s'", s)
}
