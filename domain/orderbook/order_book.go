package orderbook

import (
	"fmt"

	"github.com/google/btree"
)

const treeDegree = 32

// OrderBook is single-writer and deterministic.
type OrderBook struct {
	InstrumentID uint64

	bids *btree.BTreeG[*PriceLevel]
	asks *btree.BTreeG[*PriceLevel]

	index map[string]*Order
}

// LevelView is an aggregated, read-only price level.
type LevelView struct {
	Price  int64 `json:"price"`
	Qty    int64 `json:"qty"`
	Orders int   `json:"orders"`
}

func NewBook(instrumentID uint64) *OrderBook {
	return &OrderBook{
		InstrumentID: instrumentID,
		bids:         btree.NewG(treeDegree, func(a, b *PriceLevel) bool { return a.Price > b.Price }),
		asks:         btree.NewG(treeDegree, func(a, b *PriceLevel) bool { return a.Price < b.Price }),
		index:        make(map[string]*Order),
	}
}

// -------------------- Commands --------------------

// Insert appends a live limit order to the tail of its price level.
func (b *OrderBook) Insert(o *Order) error {
	if o.Terminal() {
		return &OrderTerminalError{OrderID: o.ID, Status: o.Status}
	}
	if o.Kind != Limit {
		return &ValidationError{Field: "order_type", Reason: "only limit orders rest"}
	}
	if o.Price <= 0 || o.Qty <= 0 {
		return &ValidationError{Field: "qty", Reason: "resting order needs positive price and qty"}
	}
	if _, ok := b.index[o.ID]; ok {
		return &ValidationError{Field: "order_id", Reason: fmt.Sprintf("%s already resting", o.ID)}
	}

	tree := b.side(o.Side)
	lvl, ok := tree.Get(&PriceLevel{Price: o.Price})
	if !ok {
		lvl = &PriceLevel{Price: o.Price}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.Enqueue(o)
	b.index[o.ID] = o
	return nil
}

// Remove takes a resting order out of the book.
func (b *OrderBook) Remove(id string) (*Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Terminal() {
		return nil, &OrderTerminalError{OrderID: o.ID, Status: o.Status}
	}
	b.detach(o)
	return o, nil
}

// Fill executes qty against a resting order. A fully filled order leaves
// the book, and so does its level once empty.
func (b *OrderBook) Fill(o *Order, qty int64) error {
	lvl := o.level
	if lvl == nil {
		return fmt.Errorf("%w: %s is not resting", ErrNotFound, o.ID)
	}
	if err := o.Fill(qty); err != nil {
		return err
	}
	lvl.TotalQty -= qty

	if o.Status == Filled {
		b.detach(o)
	}
	return nil
}

func (b *OrderBook) detach(o *Order) {
	lvl := o.level
	lvl.unlink(o)
	delete(b.index, o.ID)
	if lvl.Empty() {
		b.side(o.Side).Delete(lvl)
	}
}

// -------------------- Queries --------------------

func (b *OrderBook) BestBid() (int64, bool) {
	lvl, ok := b.bids.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

func (b *OrderBook) BestAsk() (int64, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

// BestLevel returns the best level on side, or nil.
func (b *OrderBook) BestLevel(side Side) *PriceLevel {
	lvl, ok := b.side(side).Min()
	if !ok {
		return nil
	}
	return lvl
}

// PeekHead returns the oldest order at the best price on side, or nil.
func (b *OrderBook) PeekHead(side Side) *Order {
	if lvl := b.BestLevel(side); lvl != nil {
		return lvl.Head()
	}
	return nil
}

func (b *OrderBook) Get(id string) (*Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int {
	return len(b.index)
}

// Levels returns the number of price levels on side.
func (b *OrderBook) Levels(side Side) int {
	return b.side(side).Len()
}

// Crossed reports best_bid >= best_ask. It never holds between commands.
func (b *OrderBook) Crossed() bool {
	bid, okb := b.BestBid()
	ask, oka := b.BestAsk()
	return okb && oka && bid >= ask
}

// Walk visits levels on side best-first until fn returns false.
func (b *OrderBook) Walk(side Side, fn func(*PriceLevel) bool) {
	b.side(side).Ascend(func(lvl *PriceLevel) bool {
		return fn(lvl)
	})
}

// Depth aggregates up to n best levels on side. n <= 0 means all.
func (b *OrderBook) Depth(side Side, n int) []LevelView {
	out := make([]LevelView, 0, min(max(n, 0), b.Levels(side)))
	b.Walk(side, func(lvl *PriceLevel) bool {
		if n > 0 && len(out) == n {
			return false
		}
		out = append(out, LevelView{Price: lvl.Price, Qty: lvl.TotalQty, Orders: lvl.OrderCount})
		return true
	})
	return out
}

func (b *OrderBook) side(s Side) *btree.BTreeG[*PriceLevel] {
	if s == Buy {
		return b.bids
	}
	return b.asks
}
