// Package orderbook tracks the bids and asks for one subscription key.
package orderbook

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/daszybak/bookstream/internal/price"
)

const (
	Bids = "bids"
	Asks = "asks"
)

// Level represents a price level in the order book.
// A Size of zero in an update means the level is removed.
type Level struct {
	Price price.Price
	Size  price.Size
}

// Snapshot is an immutable copy of both sides of a book.
type Snapshot struct {
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// lessAsc compares levels by price ascending (for asks: lowest first).
func lessAsc(a, b Level) bool {
	return a.Price < b.Price
}

// lessDesc compares levels by price descending (for bids: highest first).
func lessDesc(a, b Level) bool {
	return a.Price > b.Price
}

// Orderbook maintains sorted bid and ask levels using btrees.
// Bids are sorted descending (highest price first).
// Asks are sorted ascending (lowest price first).
// Prices are unique per side; equality is exact.
type Orderbook struct {
	bids      *btree.BTreeG[Level]
	asks      *btree.BTreeG[Level]
	updatedAt time.Time
}

// New creates a new empty order book.
func New() *Orderbook {
	return &Orderbook{
		bids: btree.NewG(32, lessDesc), // degree 32, descending
		asks: btree.NewG(32, lessAsc),  // degree 32, ascending
	}
}

// ApplySnapshot replaces both sides wholesale. Levels with a non-positive
// size are skipped; a repeated price keeps its last size.
func (ob *Orderbook) ApplySnapshot(bids, asks []Level, ts time.Time) {
	ob.bids.Clear(false)
	ob.asks.Clear(false)
	for _, l := range bids {
		if l.Size > 0 {
			ob.bids.ReplaceOrInsert(l)
		}
	}
	for _, l := range asks {
		if l.Size > 0 {
			ob.asks.ReplaceOrInsert(l)
		}
	}
	ob.updatedAt = ts
}

// ApplyDelta merges absolute sizes. Levels not mentioned are left alone.
func (ob *Orderbook) ApplyDelta(bids, asks []Level, ts time.Time) {
	for _, l := range bids {
		_ = ob.Set(l.Price, l.Size, Bids)
	}
	for _, l := range asks {
		_ = ob.Set(l.Price, l.Size, Asks)
	}
	ob.updatedAt = ts
}

// ApplyIncrement adds signed size changes to existing levels.
func (ob *Orderbook) ApplyIncrement(bids, asks []Level, ts time.Time) {
	for _, l := range bids {
		_ = ob.Update(l.Price, l.Size, Bids)
	}
	for _, l := range asks {
		_ = ob.Update(l.Price, l.Size, Asks)
	}
	ob.updatedAt = ts
}

// Set sets an absolute size at a price level.
// If size <= 0, the level is removed.
func (ob *Orderbook) Set(p price.Price, size price.Size, side string) error {
	tree, err := ob.getTree(side)
	if err != nil {
		return err
	}

	if size <= 0 {
		tree.Delete(Level{Price: p})
		return nil
	}

	tree.ReplaceOrInsert(Level{Price: p, Size: size})
	return nil
}

// Update applies a delta to a price level.
// If the resulting size <= 0, the level is removed.
func (ob *Orderbook) Update(p price.Price, delta price.Size, side string) error {
	tree, err := ob.getTree(side)
	if err != nil {
		return err
	}

	existing, found := tree.Get(Level{Price: p})
	newSize := delta
	if found {
		newSize = existing.Size + delta
	}

	if newSize <= 0 {
		tree.Delete(Level{Price: p})
		return nil
	}

	tree.ReplaceOrInsert(Level{Price: p, Size: newSize})
	return nil
}

// Snapshot copies the whole book. The result shares nothing with ob.
func (ob *Orderbook) Snapshot() Snapshot {
	return Snapshot{
		Bids:      collect(ob.bids, ob.bids.Len()),
		Asks:      collect(ob.asks, ob.asks.Len()),
		Timestamp: ob.updatedAt,
	}
}

// GetTopN returns the top N price levels for a side.
// Bids: highest prices first. Asks: lowest prices first.
func (ob *Orderbook) GetTopN(side string, n int) ([]Level, error) {
	tree, err := ob.getTree(side)
	if err != nil {
		return nil, err
	}
	return collect(tree, n), nil
}

// Len returns the number of levels on a side.
func (ob *Orderbook) Len(side string) int {
	tree, _ := ob.getTree(side)
	if tree == nil {
		return 0
	}
	return tree.Len()
}

func (ob *Orderbook) UpdatedAt() time.Time {
	return ob.updatedAt
}

func (ob *Orderbook) getTree(side string) (*btree.BTreeG[Level], error) {
	switch side {
	case Bids:
		return ob.bids, nil
	case Asks:
		return ob.asks, nil
	default:
		return nil, fmt.Errorf("invalid side: %s", side)
	}
}

func collect(tree *btree.BTreeG[Level], n int) []Level {
	if n <= 0 {
		return []Level{}
	}
	levels := make([]Level, 0, min(n, tree.Len()))
	tree.Ascend(func(lvl Level) bool {
		levels = append(levels, lvl)
		return len(levels) < n
	})
	return levels
}
