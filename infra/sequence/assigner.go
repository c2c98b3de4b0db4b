package sequence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

/*
Assigner turns an order intent into a sequenced order.

The OrderAccepted record is durable before Assign returns, so an order
the caller sees acknowledged always survives a crash. A number whose
append failed is rolled back; with a per-instrument Sequencer that keeps
the journal gap-free.
*/
type Assigner struct {
	seq     *Sequencer
	journal journal.Journal

	now   func() time.Time
	newID func() string
}

type Option func(*Assigner)

// WithClock overrides the acceptance timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Assigner) { a.now = now }
}

// WithIDs overrides order id generation.
func WithIDs(newID func() string) Option {
	return func(a *Assigner) { a.newID = newID }
}

func NewAssigner(seq *Sequencer, j journal.Journal, opts ...Option) *Assigner {
	a := &Assigner{
		seq:     seq,
		journal: j,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Sequencer exposes the underlying counter.
func (a *Assigner) Sequencer() *Sequencer { return a.seq }

// ID returns the id intent will be accepted under, generating one when
// the client left it empty. Callers check it for duplicates before Assign.
func (a *Assigner) ID(intent orderbook.Intent) string {
	if intent.OrderID != "" {
		return intent.OrderID
	}
	return a.newID()
}

// Assign validates intent, stamps it and journals OrderAccepted.
func (a *Assigner) Assign(ctx context.Context, intent orderbook.Intent) (*orderbook.Order, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	seq, err := a.seq.Next()
	if err != nil {
		return nil, err
	}

	o := &orderbook.Order{
		ID:           a.ID(intent),
		InstrumentID: intent.InstrumentID,
		Account:      intent.Account,
		Side:         intent.Side,
		Kind:         intent.Kind,
		Price:        intent.Price,
		Qty:          intent.Qty,
		OriginalQty:  intent.Qty,
		Seq:          seq,
		Status:       orderbook.New,
		SubmittedAt:  journal.Timestamp(a.now().UnixNano()),
	}

	if err := a.journal.Append(ctx, []journal.Record{journal.Accepted(o)}); err != nil {
		a.seq.Rollback(seq)
		return nil, &journal.WriteFailure{InstrumentID: o.InstrumentID, Seq: seq, Err: err}
	}
	return o, nil
}

// Reserve issues the next number for a non-order command such as a cancel.
func (a *Assigner) Reserve() (uint64, error) {
	return a.seq.Next()
}

// Release gives back a reserved number whose command was not journaled.
func (a *Assigner) Release(seq uint64) {
	a.seq.Rollback(seq)
}

// Stamp returns the canonical timestamp for a command accepted now.
func (a *Assigner) Stamp() time.Time {
	return journal.Timestamp(a.now().UnixNano())
}
