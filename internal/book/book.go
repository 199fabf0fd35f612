// Package book implements the per-symbol priced FIFO structure of resting
// orders. It knows nothing about matching policy, users, or persistence —
// just price levels, FIFO queues, and the ordering contract between them.
package book

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/coriolisfi/matchcore/internal/common"
)

// ErrWrongSide is returned when AddBid is called with a sell order, or
// AddAsk with a buy order.
var ErrWrongSide = errors.New("book: order side does not match ladder")

// PriceLevel is a FIFO queue of orders resting at a single price.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*common.Order
}

func (l *PriceLevel) remainingQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range l.Orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// Level is an aggregated, read-only view of one price level, returned by
// Snapshot.
type Level struct {
	Price              decimal.Decimal
	AggregateRemaining decimal.Decimal
	OrderCount         int
}

// Book is the in-memory priced FIFO structure for one symbol: two
// price-indexed ladders, bids iterated descending and asks ascending.
type Book struct {
	bids *btree.BTreeG[*PriceLevel]
	asks *btree.BTreeG[*PriceLevel]
}

// New constructs an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price.GreaterThan(b.Price) }),
		asks: btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }),
	}
}

// AddBid appends a resting buy order to its price level, creating the level
// if necessary.
func (b *Book) AddBid(o *common.Order) error {
	if o.Side != common.Buy {
		return ErrWrongSide
	}
	add(b.bids, o)
	return nil
}

// AddAsk appends a resting sell order to its price level, creating the level
// if necessary.
func (b *Book) AddAsk(o *common.Order) error {
	if o.Side != common.Sell {
		return ErrWrongSide
	}
	add(b.asks, o)
	return nil
}

// Add appends a resting order to the ladder matching its own side.
func (b *Book) Add(o *common.Order) error {
	if o.Side == common.Buy {
		return b.AddBid(o)
	}
	return b.AddAsk(o)
}

func add(levels *btree.BTreeG[*PriceLevel], o *common.Order) {
	probe := &PriceLevel{Price: o.Price}
	if level, ok := levels.Get(probe); ok {
		level.Orders = append(level.Orders, o)
		return
	}
	levels.Set(&PriceLevel{Price: o.Price, Orders: []*common.Order{o}})
}

// BestBid returns the head of the highest-priced bid queue, or nil if the
// bid side is empty. Pure peek — no removal.
func (b *Book) BestBid() *common.Order {
	return head(b.bids)
}

// BestAsk returns the head of the lowest-priced ask queue, or nil if the
// ask side is empty. Pure peek — no removal.
func (b *Book) BestAsk() *common.Order {
	return head(b.asks)
}

func head(levels *btree.BTreeG[*PriceLevel]) *common.Order {
	level, ok := levels.Min()
	if !ok || len(level.Orders) == 0 {
		return nil
	}
	return level.Orders[0]
}

// Remove deletes a specific order, identified by ID, from its price level on
// the given side. If the level becomes empty it is removed. No-op if the
// order is absent.
func (b *Book) Remove(side common.Side, price decimal.Decimal, orderID string) {
	levels := b.bids
	if side == common.Sell {
		levels = b.asks
	}
	remove(levels, price, orderID)
}

func remove(levels *btree.BTreeG[*PriceLevel], price decimal.Decimal, orderID string) {
	level, ok := levels.Get(&PriceLevel{Price: price})
	if !ok {
		return
	}
	for i, o := range level.Orders {
		if o.ID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		levels.Delete(level)
	}
}

// popHead removes the given order, found by ID at its own price, from the
// given ladder, deleting the level if it becomes empty. It returns nothing.
// Used when the matching engine has fully consumed a maker.
func popHead(levels *btree.BTreeG[*PriceLevel], o *common.Order) {
	remove(levels, o.Price, o.ID)
}

// RemoveBestBid removes a fully-consumed maker from the top of the bid side.
func (b *Book) RemoveBestBid(o *common.Order) { popHead(b.bids, o) }

// RemoveBestAsk removes a fully-consumed maker from the top of the ask side.
func (b *Book) RemoveBestAsk(o *common.Order) { popHead(b.asks, o) }

// BestOpposite returns the best resting order on the side opposite to side —
// the maker an aggressor of the given side would match against next.
func (b *Book) BestOpposite(side common.Side) *common.Order {
	if side == common.Buy {
		return b.BestAsk()
	}
	return b.BestBid()
}

// RemoveBestOpposite removes a fully-consumed maker from the side opposite
// to side.
func (b *Book) RemoveBestOpposite(side common.Side, maker *common.Order) {
	if side == common.Buy {
		b.RemoveBestAsk(maker)
		return
	}
	b.RemoveBestBid(maker)
}

// Snapshot returns two ordered lists of aggregated levels, bids descending
// and asks ascending, using only remaining quantities.
func (b *Book) Snapshot() (bids []Level, asks []Level) {
	b.bids.Scan(func(l *PriceLevel) bool {
		bids = append(bids, Level{Price: l.Price, AggregateRemaining: l.remainingQty(), OrderCount: len(l.Orders)})
		return true
	})
	b.asks.Scan(func(l *PriceLevel) bool {
		asks = append(asks, Level{Price: l.Price, AggregateRemaining: l.remainingQty(), OrderCount: len(l.Orders)})
		return true
	})
	return bids, asks
}

// IsEmpty reports whether both ladders are empty.
func (b *Book) IsEmpty() bool {
	return b.bids.Len() == 0 && b.asks.Len() == 0
}
