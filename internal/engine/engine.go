// Package engine implements the MatchingEngine: the algorithm that pairs an
// incoming aggressor order against resting orders, emits trades, updates
// balances, and handles partial fills, cancellation, and LIMIT vs MARKET
// semantics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coriolisfi/matchcore/internal/book"
	"github.com/coriolisfi/matchcore/internal/common"
	"github.com/coriolisfi/matchcore/internal/manager"
)

// Recorder observes engine activity for metrics purposes. It is satisfied by
// internal/metrics.Collector; engine never depends on metrics directly so
// tests can use a no-op.
type Recorder interface {
	OrderAccepted(symbol common.Symbol, side common.Side, kind common.Kind)
	TradeExecuted(symbol common.Symbol, quantity, price decimal.Decimal)
	MatchDuration(symbol common.Symbol, d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) OrderAccepted(common.Symbol, common.Side, common.Kind)         {}
func (noopRecorder) TradeExecuted(common.Symbol, decimal.Decimal, decimal.Decimal) {}
func (noopRecorder) MatchDuration(common.Symbol, time.Duration)                   {}

// Engine drives continuous matching for one incoming order at a time, under
// the symbol's write lock obtained from the Manager.
type Engine struct {
	books    *manager.Manager
	orders   OrderStore
	trades   TradeStore
	balances BalancePort
	clock    Clock
	rec      Recorder
}

// New constructs an Engine over the given Manager and external collaborator
// ports. A nil Clock defaults to SystemClock; a nil Recorder is a no-op.
func New(books *manager.Manager, orders OrderStore, trades TradeStore, balances BalancePort, clock Clock, rec Recorder) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Engine{books: books, orders: orders, trades: trades, balances: balances, clock: clock, rec: rec}
}

// ExecuteOrder is the main entry point. Pre-conditions (spec §4.2): order is
// persisted with status PENDING, filled_quantity = 0, remaining = quantity,
// side and kind are set, LIMIT orders have a positive price, MARKET orders
// have no price. Returns the ordered list of trades produced.
func (e *Engine) ExecuteOrder(ctx context.Context, order *common.Order) ([]*common.Trade, error) {
	if err := validate(order); err != nil {
		return nil, err
	}

	lock := e.books.LockFor(order.Symbol)
	lock.Lock()
	defer lock.Unlock()

	start := e.clock.Now()
	b := e.books.BookFor(order.Symbol)
	e.rec.OrderAccepted(order.Symbol, order.Side, order.Kind)

	trades, err := e.match(ctx, b, order)
	e.rec.MatchDuration(order.Symbol, e.clock.Now().Sub(start))
	return trades, err
}

func (e *Engine) match(ctx context.Context, b *book.Book, aggressor *common.Order) ([]*common.Trade, error) {
	var trades []*common.Trade

	for aggressor.Remaining().Sign() > 0 {
		maker := b.BestOpposite(aggressor.Side)
		if maker == nil {
			break
		}
		if aggressor.Kind == common.Limit {
			if aggressor.Side == common.Buy && aggressor.Price.LessThan(maker.Price) {
				break
			}
			if aggressor.Side == common.Sell && aggressor.Price.GreaterThan(maker.Price) {
				break
			}
		}

		qty := decimal.Min(aggressor.Remaining(), maker.Remaining())
		price := maker.Price

		// Both legs of the cash movement must land before the trade becomes
		// visible to anyone: a trade record is never persisted with a
		// partial or missing balance delta (spec invariant: the sum of
		// balance deltas for a trade is zero, with no in-between state
		// observable on failure).
		buyerID, sellerID := counterparties(aggressor, maker)
		debit := price.Mul(qty)
		if err := e.balances.Adjust(ctx, buyerID, debit.Neg()); err != nil {
			return trades, newErr(ErrPersistence, aggressor.ID, "balance.debit", err)
		}
		if err := e.balances.Adjust(ctx, sellerID, debit); err != nil {
			if compErr := e.balances.Adjust(ctx, buyerID, debit); compErr != nil {
				return trades, newErr(ErrConcurrency, aggressor.ID, "balance.compensate", compErr)
			}
			return trades, newErr(ErrPersistence, aggressor.ID, "balance.credit", err)
		}

		trade := newTrade(aggressor, maker, price, qty, e.clock.Now())
		if err := e.trades.Save(ctx, trade); err != nil {
			compBuyer := e.balances.Adjust(ctx, buyerID, debit)
			compSeller := e.balances.Adjust(ctx, sellerID, debit.Neg())
			if compBuyer != nil || compSeller != nil {
				return trades, newErr(ErrConcurrency, aggressor.ID, "balance.compensate", errors.Join(compBuyer, compSeller))
			}
			return trades, newErr(ErrPersistence, aggressor.ID, "trade.save", err)
		}

		aggressor.FilledQuantity = aggressor.FilledQuantity.Add(qty)
		maker.FilledQuantity = maker.FilledQuantity.Add(qty)

		if maker.FullyFilled() {
			maker.Status = common.Filled
			b.RemoveBestOpposite(aggressor.Side, maker)
		} else {
			maker.Status = common.PartiallyFilled
		}
		if err := e.orders.Save(ctx, maker); err != nil {
			return trades, newErr(ErrPersistence, aggressor.ID, "maker.save", err)
		}

		e.rec.TradeExecuted(aggressor.Symbol, qty, price)
		trades = append(trades, trade)
	}

	switch {
	case aggressor.FullyFilled():
		aggressor.Status = common.Filled
	case aggressor.Kind == common.Limit:
		if aggressor.FilledQuantity.Sign() > 0 {
			aggressor.Status = common.PartiallyFilled
		} else {
			aggressor.Status = common.Pending
		}
		if err := b.Add(aggressor); err != nil {
			return trades, newErr(ErrConcurrency, aggressor.ID, "book.add", err)
		}
	default:
		// MARKET order with unfilled remainder: the remainder is dropped.
		// Status stays PENDING at zero fill (Open Question §9.1); a partial
		// fill promotes it to PARTIALLY_FILLED. It never rests.
		if aggressor.FilledQuantity.Sign() > 0 {
			aggressor.Status = common.PartiallyFilled
		}
	}

	if err := e.orders.Save(ctx, aggressor); err != nil {
		return trades, newErr(ErrPersistence, aggressor.ID, "aggressor.save", err)
	}

	return trades, nil
}

func counterparties(aggressor, maker *common.Order) (buyerID, sellerID string) {
	if aggressor.Side == common.Buy {
		return aggressor.UserID, maker.UserID
	}
	return maker.UserID, aggressor.UserID
}

func newTrade(aggressor, maker *common.Order, price, qty decimal.Decimal, now time.Time) *common.Trade {
	buyOrderID, sellOrderID := aggressor.ID, maker.ID
	if aggressor.Side == common.Sell {
		buyOrderID, sellOrderID = maker.ID, aggressor.ID
	}
	return &common.Trade{
		ID:          uuid.New().String(),
		Symbol:      aggressor.Symbol,
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		Price:       price,
		Quantity:    qty,
		Timestamp:   now,
	}
}

// CancelOrder removes the order from its book if present and its status is
// PENDING or PARTIALLY_FILLED, then sets status to CANCELLED and persists.
// Terminal states are no-ops — calling cancel twice is idempotent.
func (e *Engine) CancelOrder(ctx context.Context, symbol common.Symbol, orderID, requestingUserID string) error {
	lock := e.books.LockFor(symbol)
	lock.Lock()
	defer lock.Unlock()

	ord, err := e.orders.FindByID(ctx, orderID)
	if err != nil || ord == nil {
		return newErr(ErrNotFound, orderID, "cancel.lookup", err)
	}
	if ord.UserID != requestingUserID {
		return newErr(ErrAuthorization, orderID, "cancel.authorize", nil)
	}
	if ord.Status.Terminal() {
		return nil
	}

	b := e.books.BookFor(symbol)
	b.Remove(ord.Side, ord.Price, ord.ID)
	ord.Status = common.Cancelled
	if err := e.orders.Save(ctx, ord); err != nil {
		return newErr(ErrPersistence, orderID, "cancel.save", err)
	}
	return nil
}

// Snapshot is a read-locked pass-through to the OrderBook snapshot.
func (e *Engine) Snapshot(symbol common.Symbol) (bids []book.Level, asks []book.Level) {
	return e.books.Snapshot(symbol)
}

func validate(o *common.Order) error {
	if o == nil {
		return newErr(ErrValidation, "", "order.nil", errors.New("order is nil"))
	}
	if o.Symbol == "" {
		return newErr(ErrValidation, o.ID, "symbol", errors.New("symbol is required"))
	}
	if o.Side != common.Buy && o.Side != common.Sell {
		return newErr(ErrValidation, o.ID, "side", fmt.Errorf("unknown side %v", o.Side))
	}
	if o.Kind != common.Limit && o.Kind != common.Market {
		return newErr(ErrValidation, o.ID, "kind", fmt.Errorf("unknown kind %v", o.Kind))
	}
	if o.Quantity.Sign() <= 0 {
		return newErr(ErrValidation, o.ID, "quantity", errors.New("quantity must be positive"))
	}
	if o.Kind == common.Limit && o.Price.Sign() <= 0 {
		return newErr(ErrValidation, o.ID, "price", errors.New("limit order requires a positive price"))
	}
	if o.Kind == common.Market && !o.Price.IsZero() {
		return newErr(ErrValidation, o.ID, "price", errors.New("market order must not carry a price"))
	}
	if o.Status != common.Pending {
		return newErr(ErrValidation, o.ID, "status", fmt.Errorf("order must be submitted PENDING, got %v", o.Status))
	}
	if !o.FilledQuantity.IsZero() {
		return newErr(ErrValidation, o.ID, "filled_quantity", errors.New("order must be submitted unfilled"))
	}
	return nil
}
