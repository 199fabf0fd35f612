package manager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coriolisfi/matchcore/internal/common"
)

func TestBookForLazilyCreatesPerSymbol(t *testing.T) {
	m := New()
	aapl := m.BookFor("AAPL")
	assert.NotNil(t, aapl)
	assert.Same(t, aapl, m.BookFor("AAPL"))

	msft := m.BookFor("MSFT")
	assert.NotSame(t, aapl, msft)
}

func TestLockForReturnsStableInstance(t *testing.T) {
	m := New()
	lock := m.LockFor("AAPL")
	assert.Same(t, lock, m.LockFor("AAPL"))
}

// Concurrent first-touch of a brand-new symbol must never let two goroutines
// observe distinct book or lock instances for the same symbol.
func TestConcurrentLazyCreationIsRaceFree(t *testing.T) {
	m := New()
	const n = 64

	books := make([]interface{}, n)
	locks := make([]interface{}, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			books[i] = m.BookFor("AAPL")
			locks[i] = m.LockFor("AAPL")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, books[0], books[i])
		assert.Same(t, locks[0], locks[i])
	}
}

func TestSnapshotOfUnknownSymbolIsEmpty(t *testing.T) {
	m := New()
	bids, asks := m.Snapshot("UNKNOWN")
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestSymbolsListsSeenSymbols(t *testing.T) {
	m := New()
	m.BookFor("AAPL")
	m.BookFor("MSFT")

	seen := make(map[common.Symbol]bool)
	for _, s := range m.Symbols() {
		seen[s] = true
	}
	assert.True(t, seen["AAPL"])
	assert.True(t, seen["MSFT"])
	assert.Len(t, seen, 2)
}
