package matching

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

var ErrReplayDivergence = errors.New("matching: replay diverged from journal")

// State is the complete, comparable engine state. Orders are sorted by
// sequence number; resting orders are those with Resting set.
type State struct {
	InstrumentID uint64
	LastSeq      uint64
	LastTradeID  uint64
	Orders       []StateOrder
}

type StateOrder struct {
	Order   orderbook.Order
	Resting bool
}

// Export captures the engine state.
func (e *Engine) Export() State {
	s := State{
		InstrumentID: e.instrumentID,
		LastSeq:      e.lastSeq,
		LastTradeID:  e.lastTradeID,
		Orders:       make([]StateOrder, 0, len(e.orders)),
	}
	for _, o := range e.orders {
		s.Orders = append(s.Orders, StateOrder{Order: o.Clone(), Resting: o.Resting()})
	}
	slices.SortFunc(s.Orders, func(a, b StateOrder) int {
		switch {
		case a.Order.Seq < b.Order.Seq:
			return -1
		case a.Order.Seq > b.Order.Seq:
			return 1
		}
		return 0
	})
	return s
}

// Restore rebuilds an engine from an exported state. Resting orders are
// re-inserted in sequence order, which reproduces every level's FIFO.
func Restore(s State) (*Engine, error) {
	e := NewEngine(s.InstrumentID)
	e.lastSeq = s.LastSeq
	e.lastTradeID = s.LastTradeID

	for i := range s.Orders {
		so := s.Orders[i]
		o := so.Order
		if o.InstrumentID != s.InstrumentID {
			return nil, fmt.Errorf("restore: order %s belongs to instrument %d", o.ID, o.InstrumentID)
		}
		e.orders[o.ID] = &o
		if so.Resting {
			if err := e.book.Insert(&o); err != nil {
				return nil, fmt.Errorf("restore %s: %w", o.ID, err)
			}
		}
	}
	return e, nil
}

// Apply folds one command record into the engine and returns the records
// the command derives (everything after Index 0 in its batch).
func (e *Engine) Apply(rec journal.Record) ([]journal.Record, error) {
	if rec.InstrumentID != e.instrumentID {
		return nil, fmt.Errorf("%w: record for instrument %d", ErrReplayDivergence, rec.InstrumentID)
	}
	switch p := rec.Payload.(type) {
	case journal.OrderAccepted:
		res, err := e.Submit(p.Order(rec))
		if err != nil {
			return nil, err
		}
		return res.Records, nil
	case journal.OrderCancelled:
		res, err := e.Cancel(p.OrderID, rec.Seq, journal.Timestamp(rec.Time))
		if err != nil {
			return nil, err
		}
		return res.Records[1:], nil
	default:
		return nil, fmt.Errorf("%w: seq %d starts with %s", ErrReplayDivergence, rec.Seq, rec.Kind())
	}
}

// Verify compares derived records against the journaled ones for one
// command.
func Verify(derived, journaled []journal.Record) error {
	if len(derived) != len(journaled) {
		return fmt.Errorf("%w: derived %d records, journal has %d", ErrReplayDivergence, len(derived), len(journaled))
	}
	for i := range derived {
		d, j := derived[i], journaled[i]
		if d.Seq != j.Seq || d.Index != j.Index || d.Payload != j.Payload {
			return fmt.Errorf("%w: seq %d index %d: derived %+v, journal %+v",
				ErrReplayDivergence, j.Seq, j.Index, d.Payload, j.Payload)
		}
	}
	return nil
}
