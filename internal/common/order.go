package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is a trading intent: a request to buy or sell some quantity of a
// symbol, optionally bounded by a limit price.
type Order struct {
	ID             string
	UserID         string
	Symbol         Symbol
	Side           Side
	Kind           Kind
	Price          decimal.Decimal // zero value for MARKET orders
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         Status
	CreatedAt      time.Time
}

// Remaining is the quantity still open for matching.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FullyFilled reports whether no quantity remains open.
func (o *Order) FullyFilled() bool {
	return o.Remaining().Sign() <= 0
}

// Resting reports whether the order is eligible to sit in a book (invariant 1
// in spec §3: every resting order has remaining > 0 and a non-terminal
// status).
func (o *Order) Resting() bool {
	return o.Remaining().Sign() > 0 && (o.Status == Pending || o.Status == PartiallyFilled)
}

// Clone returns a value copy suitable for handing to a store without sharing
// the caller's pointer.
func (o *Order) Clone() *Order {
	clone := *o
	return &clone
}
