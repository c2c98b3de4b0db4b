// Package matching runs price/time priority matching for one instrument.
//
// An Engine is owned by exactly one goroutine. Every state change it makes
// is described by the journal records it returns, in the order the
// changes happened, so the same command stream always produces the same
// book, the same trades and the same records.
package matching

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

var ErrSequence = errors.New("matching: sequence number not increasing")

// Trade is an immutable execution between an aggressor and a resting
// order, always at the resting order's price.
type Trade struct {
	ID           uint64         `json:"trade_id"`
	InstrumentID uint64         `json:"instrument_id"`
	BuyOrderID   string         `json:"buy_order_id"`
	SellOrderID  string         `json:"sell_order_id"`
	Price        int64          `json:"price"`
	Qty          int64          `json:"qty"`
	Aggressor    orderbook.Side `json:"aggressor"`
	Seq          uint64         `json:"seq"`
	ExecutedAt   time.Time      `json:"executed_at"`
}

// Result is the outcome of one Submit.
type Result struct {
	Order   orderbook.Order
	Trades  []Trade
	Status  orderbook.Status
	Records []journal.Record
}

// CancelResult is the outcome of one Cancel.
type CancelResult struct {
	Order   orderbook.Order
	Records []journal.Record
}

type Engine struct {
	instrumentID uint64
	book         *orderbook.OrderBook

	// every order ever accepted, terminal ones included, so a late cancel
	// can tell "terminal" from "unknown"
	orders map[string]*orderbook.Order

	lastSeq     uint64
	lastTradeID uint64
}

func NewEngine(instrumentID uint64) *Engine {
	return &Engine{
		instrumentID: instrumentID,
		book:         orderbook.NewBook(instrumentID),
		orders:       make(map[string]*orderbook.Order),
	}
}

func (e *Engine) InstrumentID() uint64 { return e.instrumentID }

// LastSeq is the highest command sequence number applied.
func (e *Engine) LastSeq() uint64 { return e.lastSeq }

// Book exposes the book for read-only inspection by the owning goroutine.
func (e *Engine) Book() *orderbook.OrderBook { return e.book }

// Known reports whether id was ever accepted.
func (e *Engine) Known(id string) bool {
	_, ok := e.orders[id]
	return ok
}

// Order returns a detached copy of any accepted order.
func (e *Engine) Order(id string) (orderbook.Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return orderbook.Order{}, fmt.Errorf("%w: %s", orderbook.ErrNotFound, id)
	}
	return o.Clone(), nil
}

// OrdersByAccount returns detached copies of every order account placed,
// terminal ones included, in acceptance order.
func (e *Engine) OrdersByAccount(account string) []orderbook.Order {
	var out []orderbook.Order
	for _, o := range e.orders {
		if o.Account == account {
			out = append(out, o.Clone())
		}
	}
	slices.SortFunc(out, func(a, b orderbook.Order) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// -------------------- Submit --------------------

// Submit matches a sequenced NEW order against the book.
func (e *Engine) Submit(o *orderbook.Order) (Result, error) {
	if err := e.admit(o); err != nil {
		return Result{}, err
	}
	e.lastSeq = o.Seq
	e.orders[o.ID] = o

	rec := newRecorder(e.instrumentID, o.Seq, o.SubmittedAt.UnixNano(), 1)
	var trades []Trade

	opp := o.Side.Opposite()
	for o.Qty > 0 {
		lvl := e.book.BestLevel(opp)
		if lvl == nil || !crosses(o, lvl.Price) {
			break
		}

		head := lvl.Head()
		qty := min(o.Qty, head.Qty)

		e.lastTradeID++
		t := Trade{
			ID:           e.lastTradeID,
			InstrumentID: e.instrumentID,
			Price:        head.Price,
			Qty:          qty,
			Aggressor:    o.Side,
			Seq:          o.Seq,
			ExecutedAt:   o.SubmittedAt,
		}
		if o.Side == orderbook.Buy {
			t.BuyOrderID, t.SellOrderID = o.ID, head.ID
		} else {
			t.BuyOrderID, t.SellOrderID = head.ID, o.ID
		}
		trades = append(trades, t)
		rec.add(journal.TradeExecuted{
			TradeID:     t.ID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price,
			Qty:         t.Qty,
			Aggressor:   t.Aggressor,
		})

		headFrom := head.Status
		if err := e.book.Fill(head, qty); err != nil {
			return Result{}, fmt.Errorf("fill resting %s: %w", head.ID, err)
		}
		rec.status(head, headFrom)

		aggFrom := o.Status
		if err := o.Fill(qty); err != nil {
			return Result{}, fmt.Errorf("fill aggressor %s: %w", o.ID, err)
		}
		rec.status(o, aggFrom)
	}

	if o.Qty > 0 {
		switch o.Kind {
		case orderbook.Limit:
			if err := e.book.Insert(o); err != nil {
				return Result{}, fmt.Errorf("rest %s: %w", o.ID, err)
			}
		case orderbook.Market:
			from := o.Status
			_ = o.Cancel()
			rec.status(o, from)
		}
	}

	return Result{
		Order:   o.Clone(),
		Trades:  trades,
		Status:  o.Status,
		Records: rec.records,
	}, nil
}

func (e *Engine) admit(o *orderbook.Order) error {
	if o.InstrumentID != e.instrumentID {
		return &orderbook.ValidationError{
			Field:  "instrument",
			Reason: fmt.Sprintf("order for %d routed to %d", o.InstrumentID, e.instrumentID),
		}
	}
	if o.Status != orderbook.New {
		return &orderbook.ValidationError{Field: "status", Reason: "submitted order must be NEW"}
	}
	if o.Seq <= e.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrSequence, o.Seq, e.lastSeq)
	}
	if e.Known(o.ID) {
		return &orderbook.ValidationError{Field: "order_id", Reason: fmt.Sprintf("duplicate %s", o.ID)}
	}
	if err := (orderbook.Intent{
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Kind:         o.Kind,
		Qty:          o.Qty,
		Price:        o.Price,
	}).Validate(); err != nil {
		return err
	}
	return nil
}

func crosses(o *orderbook.Order, best int64) bool {
	if o.Kind == orderbook.Market {
		return true
	}
	if o.Side == orderbook.Buy {
		return o.Price >= best
	}
	return o.Price <= best
}

// -------------------- Cancel --------------------

// CheckCancel reports why Cancel(id) would be rejected, without side
// effects. A nil result means Cancel will succeed.
func (e *Engine) CheckCancel(id string) error {
	o, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", orderbook.ErrNotFound, id)
	}
	if o.Terminal() {
		return &orderbook.OrderTerminalError{OrderID: o.ID, Status: o.Status}
	}
	return nil
}

// Cancel removes a live order from the book under command sequence seq.
func (e *Engine) Cancel(id string, seq uint64, at time.Time) (CancelResult, error) {
	if err := e.CheckCancel(id); err != nil {
		return CancelResult{}, err
	}
	if seq <= e.lastSeq {
		return CancelResult{}, fmt.Errorf("%w: %d after %d", ErrSequence, seq, e.lastSeq)
	}

	o, err := e.book.Remove(id)
	if err != nil {
		return CancelResult{}, err
	}
	e.lastSeq = seq

	from := o.Status
	_ = o.Cancel()

	rec := newRecorder(e.instrumentID, seq, at.UnixNano(), 0)
	rec.add(journal.OrderCancelled{OrderID: o.ID, OrderSeq: o.Seq, Remaining: o.Qty})
	rec.status(o, from)

	return CancelResult{Order: o.Clone(), Records: rec.records}, nil
}

// -------------------- Records --------------------

type recorder struct {
	inst    uint64
	seq     uint64
	ts      int64
	next    uint32
	records []journal.Record
}

func newRecorder(inst, seq uint64, ts int64, first uint32) *recorder {
	return &recorder{inst: inst, seq: seq, ts: ts, next: first}
}

func (r *recorder) add(p journal.Payload) {
	r.records = append(r.records, journal.Record{
		InstrumentID: r.inst,
		Seq:          r.seq,
		Index:        r.next,
		Time:         r.ts,
		Payload:      p,
	})
	r.next++
}

// status records a transition of o from `from`, if there was one.
func (r *recorder) status(o *orderbook.Order, from orderbook.Status) {
	if o.Status == from {
		return
	}
	r.add(journal.OrderStatusChanged{
		OrderID:   o.ID,
		OrderSeq:  o.Seq,
		From:      from,
		To:        o.Status,
		Remaining: o.Qty,
	})
}
