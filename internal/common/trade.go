package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a point-in-time match between a buy order and a sell order.
type Trade struct {
	ID          string
	Symbol      Symbol
	BuyOrderID  string
	SellOrderID string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Timestamp   time.Time
}
