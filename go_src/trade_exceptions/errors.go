package trade_exceptions

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. The typed errors below unwrap to them.
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidState     = errors.New("position in invalid state")
	ErrExitInFlight     = errors.New("exit already in flight")
	ErrGateway          = errors.New("broker gateway failure")
	ErrStore            = errors.New("position store failure")
	ErrLockHeld         = errors.New("lock already held")
	ErrConfiguration    = errors.New("invalid configuration")
)

// PositionNotFoundException is returned by stores for unknown order ids.
type PositionNotFoundException struct {
	Message string
	OrderID string
}

func (e *PositionNotFoundException) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("PositionNotFoundException: position %s not found", e.OrderID)
	}
	return fmt.Sprintf("PositionNotFoundException: position %s not found: %s", e.OrderID, e.Message)
}

func (e *PositionNotFoundException) Unwrap() error { return ErrPositionNotFound }

// InvalidStateError reports a position that cannot take the requested
// transition (e.g. exit on a CLOSED position).
type InvalidStateError struct {
	OrderID string
	Status  string
	Wanted  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("InvalidStateError: position %s is %s, expected %s", e.OrderID, e.Status, e.Wanted)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// OrderPlacementError covers broker rejections, timeouts and malformed
// responses.
type OrderPlacementError struct {
	Message      string
	OrderDetails map[string]interface{}
	Reason       string // e.g. "REJECTED", "TIMEOUT", "TRANSPORT"
	Err          error
}

func (e *OrderPlacementError) Error() string {
	msg := fmt.Sprintf("OrderPlacementError: failed to place order: %s (Reason: %s)", e.Message, e.Reason)
	if len(e.OrderDetails) > 0 {
		msg += fmt.Sprintf(". Order: %v", e.OrderDetails)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderPlacementError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrGateway, e.Err}
	}
	return []error{ErrGateway}
}

// OrderStatusError is returned when a fill status query fails.
type OrderStatusError struct {
	OrderID string
	Account string
	Err     error
}

func (e *OrderStatusError) Error() string {
	return fmt.Sprintf("OrderStatusError: status check for order %s (account %s) failed: %v", e.OrderID, e.Account, e.Err)
}

func (e *OrderStatusError) Unwrap() []error { return []error{ErrGateway, e.Err} }

// DatabaseOperationException wraps store driver errors.
type DatabaseOperationException struct {
	Message   string
	Operation string // e.g. "SELECT", "UPDATE"
	Err       error
}

func (e *DatabaseOperationException) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("DatabaseOperationException: failed DB operation '%s': %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("DatabaseOperationException: failed DB operation '%s': %s", e.Operation, e.Message)
}

func (e *DatabaseOperationException) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrStore, e.Err}
	}
	return []error{ErrStore}
}

// ConfigurationError names the config key that was problematic.
type ConfigurationError struct {
	Message string
	Key     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ConfigurationError: %s (Key: %s)", e.Message, e.Key)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// IsRetryable reports whether err should lead to a redelivery of an exit
// task. Not-found and invalid-state are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPositionNotFound) || errors.Is(err, ErrInvalidState) {
		return false
	}
	return true
}
