// Package manager implements the OrderBookManager: the concurrency envelope
// that owns one OrderBook and one readers-writer lock per symbol, providing
// parallelism across symbols while serializing all mutations within a
// symbol.
package manager

import (
	"sync"

	"github.com/coriolisfi/matchcore/internal/book"
	"github.com/coriolisfi/matchcore/internal/common"
)

// entry bundles a symbol's book with its lock so a single LoadOrStore
// creates both atomically — two goroutines racing to create the same new
// symbol must observe the same book and the same lock instance.
type entry struct {
	lock *sync.RWMutex
	book *book.Book
}

// Manager owns the set of per-symbol books and locks. It is a plain value
// the engine holds, not a process-wide singleton: multiple independent
// Managers (e.g. in tests) coexist without shared state.
type Manager struct {
	symbols sync.Map // common.Symbol -> *entry
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{}
}

func (m *Manager) entryFor(symbol common.Symbol) *entry {
	if v, ok := m.symbols.Load(symbol); ok {
		return v.(*entry)
	}
	fresh := &entry{lock: &sync.RWMutex{}, book: book.New()}
	actual, _ := m.symbols.LoadOrStore(symbol, fresh)
	return actual.(*entry)
}

// BookFor lazily creates an empty OrderBook the first time a symbol is seen.
// Concurrent callers for a brand-new symbol observe the same book instance.
func (m *Manager) BookFor(symbol common.Symbol) *book.Book {
	return m.entryFor(symbol).book
}

// LockFor returns the symbol's readers-writer lock, lazily created. The
// returned lock is stable for the process lifetime of the Manager.
func (m *Manager) LockFor(symbol common.Symbol) *sync.RWMutex {
	return m.entryFor(symbol).lock
}

// Snapshot acquires the symbol's read lock, delegates to the book, and
// releases. Returns an empty snapshot if no book exists yet for the symbol.
func (m *Manager) Snapshot(symbol common.Symbol) (bids []book.Level, asks []book.Level) {
	v, ok := m.symbols.Load(symbol)
	if !ok {
		return nil, nil
	}
	e := v.(*entry)
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.book.Snapshot()
}

// Symbols lists every symbol that has been seen so far, in no particular
// order. Used by diagnostics (the gateway's LogBook request).
func (m *Manager) Symbols() []common.Symbol {
	var out []common.Symbol
	m.symbols.Range(func(k, _ any) bool {
		out = append(out, k.(common.Symbol))
		return true
	})
	return out
}
