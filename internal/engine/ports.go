package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coriolisfi/matchcore/internal/common"
)

// OrderStore persists order state changes. The engine calls Save after every
// status or filled-quantity change.
type OrderStore interface {
	Save(ctx context.Context, o *common.Order) error
	FindByID(ctx context.Context, id string) (*common.Order, error)
}

// TradeStore appends trade records. The engine calls Save once per emitted
// trade.
type TradeStore interface {
	Save(ctx context.Context, t *common.Trade) error
}

// BalancePort debits/credits user cash atomically with trade creation. The
// engine calls it twice per trade: once to debit the buyer, once to credit
// the seller.
type BalancePort interface {
	Adjust(ctx context.Context, userID string, delta decimal.Decimal) error
}

// Clock supplies the timestamps that stamp trades and time the matching
// loop. Time priority within a price level comes from queue position in the
// book, not from Clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
