// Package store provides in-memory reference implementations of the
// engine's external ports (order store, trade store, balance port). These
// are deliberately minimal: spec.md places persistence format outside the
// matching core's contract, so a durable implementation (Postgres, Redis,
// ...) is a collaborator concern left to integrators. These adapters exist
// so the engine is runnable and testable without one.
package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coriolisfi/matchcore/internal/common"
	"github.com/coriolisfi/matchcore/internal/engine"
)

// MemoryOrderStore keeps orders in a map guarded by a mutex. Save is an
// upsert keyed by order ID.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]*common.Order
}

// NewMemoryOrderStore returns an empty order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*common.Order)}
}

func (s *MemoryOrderStore) Save(_ context.Context, o *common.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryOrderStore) FindByID(_ context.Context, id string) (*common.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return o.Clone(), nil
}

var _ engine.OrderStore = (*MemoryOrderStore)(nil)

// MemoryTradeStore appends trades to a slice guarded by a mutex.
type MemoryTradeStore struct {
	mu     sync.Mutex
	trades []*common.Trade
}

// NewMemoryTradeStore returns an empty trade store.
func NewMemoryTradeStore() *MemoryTradeStore {
	return &MemoryTradeStore{}
}

func (s *MemoryTradeStore) Save(_ context.Context, t *common.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

// All returns a copy of every trade recorded so far, oldest first.
func (s *MemoryTradeStore) All() []*common.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*common.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

var _ engine.TradeStore = (*MemoryTradeStore)(nil)

// MemoryBalancePort keeps one running cash balance per user, guarded by a
// single mutex. Adjust is atomic per call, as the BalancePort contract
// requires.
type MemoryBalancePort struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemoryBalancePort returns a balance port with every user starting at a
// zero balance.
func NewMemoryBalancePort() *MemoryBalancePort {
	return &MemoryBalancePort{balances: make(map[string]decimal.Decimal)}
}

func (p *MemoryBalancePort) Adjust(_ context.Context, userID string, delta decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[userID] = p.balances[userID].Add(delta)
	return nil
}

// Balance returns the current balance for a user (zero if never adjusted).
func (p *MemoryBalancePort) Balance(userID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[userID]
}

var _ engine.BalancePort = (*MemoryBalancePort)(nil)
