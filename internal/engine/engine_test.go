package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coriolisfi/matchcore/internal/common"
	"github.com/coriolisfi/matchcore/internal/manager"
)

// fakeClock hands out strictly increasing timestamps, one millisecond apart,
// so trade timestamps in tests never depend on the wall clock.
type fakeClock struct {
	mu   sync.Mutex
	next time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{next: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(time.Millisecond)
	return t
}

func newTestEngine(t *testing.T) (*Engine, *fakeOrderStore, *fakeTradeStore, *fakeBalancePort) {
	t.Helper()
	orders := newFakeOrderStore()
	trades := &fakeTradeStore{}
	balances := newFakeBalancePort()
	e := New(manager.New(), orders, trades, balances, newFakeClock(), nil)
	return e, orders, trades, balances
}

func pending(userID string, side common.Side, kind common.Kind, price, qty string) *common.Order {
	o := &common.Order{
		ID:       "will-be-ignored-" + userID + side.String() + price,
		UserID:   userID,
		Symbol:   "AAPL",
		Side:     side,
		Kind:     kind,
		Quantity: decimal.RequireFromString(qty),
		Status:   common.Pending,
	}
	if kind == common.Limit {
		o.Price = decimal.RequireFromString(price)
	}
	return o
}

func TestExecuteOrderRejectsInvalidOrder(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	bad := pending("alice", common.Buy, common.Limit, "0", "10")
	_, err := e.ExecuteOrder(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

// Scenario: simple cross with exact fill — a resting limit bid is fully
// consumed by an equal-size aggressing limit ask at the maker's price.
func TestExecuteOrderSimpleCrossExactFill(t *testing.T) {
	e, _, tradeStore, balances := newTestEngine(t)
	ctx := context.Background()

	buy := pending("alice", common.Buy, common.Limit, "100.00", "10")
	buy.ID = "buy-1"
	_, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	sell := pending("bob", common.Sell, common.Limit, "100.00", "10")
	sell.ID = "sell-1"
	trades, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.True(t, trade.Price.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, "buy-1", trade.BuyOrderID)
	assert.Equal(t, "sell-1", trade.SellOrderID)

	assert.Len(t, tradeStore.All(), 1)
	assert.True(t, balances.Balance("alice").Equal(decimal.RequireFromString("-1000.00")))
	assert.True(t, balances.Balance("bob").Equal(decimal.RequireFromString("1000.00")))
}

// Scenario: maker price improvement — the aggressor pays/receives the
// resting maker's price, not its own limit.
func TestExecuteOrderTradesAtMakerPrice(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "99.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("99.00")))
}

// Scenario: partial fill — residual quantity rests on the book as a LIMIT
// order, with filled quantity tracked accurately.
func TestExecuteOrderPartialFillRests(t *testing.T) {
	e, orders, _, _ := newTestEngine(t)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "8")
	buy.ID = "buy-partial"
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(decimal.RequireFromString("5")))

	saved, err := orders.FindByID(ctx, "buy-partial")
	require.NoError(t, err)
	assert.Equal(t, common.PartiallyFilled, saved.Status)
	assert.True(t, saved.Remaining().Equal(decimal.RequireFromString("3")))

	bids, _ := e.Snapshot("AAPL")
	require.Len(t, bids, 1)
	assert.True(t, bids[0].AggregateRemaining.Equal(decimal.RequireFromString("3")))
}

// Scenario: walk the book — an aggressor large enough to exhaust multiple
// price levels sweeps them in price order, best price first.
func TestExecuteOrderWalksMultipleLevels(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	levels := []string{"99.00", "99.50", "100.00"}
	for i, p := range levels {
		s := pending("maker", common.Sell, common.Limit, p, "5")
		s.ID = "maker-" + string(rune('a'+i))
		_, err := e.ExecuteOrder(ctx, s)
		require.NoError(t, err)
	}

	buy := pending("alice", common.Buy, common.Limit, "100.00", "13")
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 3)

	assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("99.00")))
	assert.True(t, trades[1].Price.Equal(decimal.RequireFromString("99.50")))
	assert.True(t, trades[2].Price.Equal(decimal.RequireFromString("100.00")))
	assert.True(t, trades[2].Quantity.Equal(decimal.RequireFromString("3")))
}

// Scenario: FIFO at the same price — two makers resting at an identical
// price are matched in arrival order.
func TestExecuteOrderFIFOAtSamePrice(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	first := pending("first-maker", common.Sell, common.Limit, "100.00", "5")
	first.ID = "first"
	_, err := e.ExecuteOrder(ctx, first)
	require.NoError(t, err)

	second := pending("second-maker", common.Sell, common.Limit, "100.00", "5")
	second.ID = "second"
	_, err = e.ExecuteOrder(ctx, second)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "first", trades[0].SellOrderID)
}

// Scenario: MARKET order with no resting liquidity drops its entire
// remainder rather than resting (property: MARKET never rests).
func TestExecuteOrderMarketDropsResidual(t *testing.T) {
	e, orders, _, _ := newTestEngine(t)
	ctx := context.Background()

	buy := pending("alice", common.Buy, common.Market, "", "10")
	buy.ID = "market-buy"
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	assert.Empty(t, trades)

	saved, err := orders.FindByID(ctx, "market-buy")
	require.NoError(t, err)
	assert.Equal(t, common.Pending, saved.Status)

	bids, _ := e.Snapshot("AAPL")
	assert.Empty(t, bids)
}

func TestExecuteOrderMarketPartialFillNeverRests(t *testing.T) {
	e, orders, _, _ := newTestEngine(t)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "4")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Market, "", "10")
	buy.ID = "market-buy"
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	saved, err := orders.FindByID(ctx, "market-buy")
	require.NoError(t, err)
	assert.Equal(t, common.PartiallyFilled, saved.Status)

	bids, _ := e.Snapshot("AAPL")
	assert.Empty(t, bids)
}

// Property: idempotent cancellation — cancelling a resting order twice
// removes it from the book once; the second call finds it already
// CANCELLED and is a no-op, not an error.
func TestCancelOrderIsIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-cancel"
	_, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	require.NoError(t, e.CancelOrder(ctx, "AAPL", "buy-cancel", "alice"))
	// Cancelling again must not error: status is already terminal.
	require.NoError(t, e.CancelOrder(ctx, "AAPL", "buy-cancel", "alice"))

	bids, _ := e.Snapshot("AAPL")
	assert.Empty(t, bids)
}

func TestCancelOrderRejectsWrongUser(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-auth"
	_, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	err = e.CancelOrder(ctx, "AAPL", "buy-auth", "mallory")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthorization)

	bids, _ := e.Snapshot("AAPL")
	require.Len(t, bids, 1)
}

func TestCancelOrderRemovesFromBook(t *testing.T) {
	e, orders, _, _ := newTestEngine(t)
	ctx := context.Background()

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-remove"
	_, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	require.NoError(t, e.CancelOrder(ctx, "AAPL", "buy-remove", "alice"))

	saved, err := orders.FindByID(ctx, "buy-remove")
	require.NoError(t, err)
	assert.Equal(t, common.Cancelled, saved.Status)

	bids, _ := e.Snapshot("AAPL")
	assert.Empty(t, bids)
}

// Property: quantity conservation — the total quantity traded between a
// 7-lot maker and a 10-lot aggressor is exactly the smaller size, 7.
func TestQuantityConservationAcrossTrades(t *testing.T) {
	e, _, tradeStore, _ := newTestEngine(t)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "7")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "10")
	_, err = e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	var totalTraded decimal.Decimal
	for _, tr := range tradeStore.All() {
		totalTraded = totalTraded.Add(tr.Quantity)
	}
	assert.True(t, totalTraded.Equal(decimal.RequireFromString("7")))
}

// Property: cash conservation — every trade debits the buyer and credits
// the seller by the identical notional amount.
func TestCashConservationPerTrade(t *testing.T) {
	e, _, _, balances := newTestEngine(t)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "50.00", "4")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "50.00", "4")
	_, err = e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)

	assert.True(t, balances.Balance("alice").Add(balances.Balance("bob")).IsZero())
}

// Property: self-trading is permitted — the engine does not special-case
// an aggressor and a maker sharing the same user ID.
func TestSelfTradeIsPermitted(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	sell := pending("alice", common.Sell, common.Limit, "100.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	trades, err := e.ExecuteOrder(ctx, buy)
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

// Property: a trade is never visible with an unbalanced pair of cash
// deltas. When the seller's credit fails after the buyer's debit already
// succeeded, the debit is compensated and no trade is persisted.
func TestBalanceCreditFailureCompensatesDebitAndDropsTrade(t *testing.T) {
	orders := newFakeOrderStore()
	trades := &fakeTradeStore{}
	balances := newFakeBalancePort()
	balances.failFor = "bob"
	e := New(manager.New(), orders, trades, balances, newFakeClock(), nil)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-fails-mid-match"
	_, err = e.ExecuteOrder(ctx, buy)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	// No trade is ever visible without both legs of its cash movement.
	assert.Empty(t, trades.All())
	// The buyer's debit was reversed; nobody's balance moved.
	assert.True(t, balances.Balance("alice").IsZero())
	assert.True(t, balances.Balance("bob").IsZero())
}

// Property: if the compensating reversal itself fails, external state is
// genuinely inconsistent and the engine reports it as a concurrency
// violation rather than silently swallowing the discrepancy.
func TestBalanceCompensationFailureIsReportedAsConcurrencyError(t *testing.T) {
	orders := newFakeOrderStore()
	trades := &fakeTradeStore{}
	balances := newFakeBalancePort()
	balances.failFrom = 2 // the seller's credit (call 2) and every call after it fails
	e := New(manager.New(), orders, trades, balances, newFakeClock(), nil)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-fails-mid-match"
	_, err = e.ExecuteOrder(ctx, buy)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrency)
	// No trade is ever persisted once the compensation itself fails — the
	// mismatch between the book and the balance port is surfaced as an
	// error rather than silently recorded as a clean trade.
	assert.Empty(t, trades.All())
}

// Property: if the trade record itself fails to persist after both balance
// legs already committed, both legs are reversed before the error returns.
func TestTradeSaveFailureReversesBothBalanceLegs(t *testing.T) {
	orders := newFakeOrderStore()
	trades := &fakeTradeStore{failSave: true}
	balances := newFakeBalancePort()
	e := New(manager.New(), orders, trades, balances, newFakeClock(), nil)
	ctx := context.Background()

	sell := pending("bob", common.Sell, common.Limit, "100.00", "5")
	_, err := e.ExecuteOrder(ctx, sell)
	require.NoError(t, err)

	buy := pending("alice", common.Buy, common.Limit, "100.00", "5")
	buy.ID = "buy-fails-mid-match"
	_, err = e.ExecuteOrder(ctx, buy)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)

	assert.Empty(t, trades.All())
	assert.True(t, balances.Balance("alice").IsZero())
	assert.True(t, balances.Balance("bob").IsZero())
}

// --- fakes -----------------------------------------------------------------

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]*common.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*common.Order)}
}

func (s *fakeOrderStore) Save(_ context.Context, o *common.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *fakeOrderStore) FindByID(_ context.Context, id string) (*common.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return o.Clone(), nil
}

type fakeTradeStore struct {
	mu       sync.Mutex
	trades   []*common.Trade
	failSave bool
}

func (s *fakeTradeStore) Save(_ context.Context, t *common.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return assert.AnError
	}
	s.trades = append(s.trades, t)
	return nil
}

func (s *fakeTradeStore) All() []*common.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*common.Trade(nil), s.trades...)
}

type fakeBalancePort struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	failFor   string
	calls     int
	failFrom  int // if > 0, every call numbered >= failFrom errors, regardless of user
}

func newFakeBalancePort() *fakeBalancePort {
	return &fakeBalancePort{balances: make(map[string]decimal.Decimal)}
}

func (p *fakeBalancePort) Adjust(_ context.Context, userID string, delta decimal.Decimal) error {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()

	if p.failFrom > 0 && call >= p.failFrom {
		return assert.AnError
	}
	if p.failFor != "" && userID == p.failFor {
		return assert.AnError
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[userID] = p.balances[userID].Add(delta)
	return nil
}

func (p *fakeBalancePort) Balance(userID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[userID]
}
