package orderbook

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for an order id the book (or engine) has never
// seen.
var ErrNotFound = errors.New("order not found")

// ValidationError rejects a malformed command before it has any effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OrderTerminalError is returned when an operation targets an order that
// is already FILLED or CANCELLED.
type OrderTerminalError struct {
	OrderID string
	Status  Status
}

func (e *OrderTerminalError) Error() string {
	return fmt.Sprintf("order %s is %s", e.OrderID, e.Status)
}
