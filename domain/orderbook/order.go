package orderbook

import (
	"fmt"
	"strings"
	"time"
)

type Side uint8
type Kind uint8
type Status uint8

const (
	Buy Side = iota + 1
	Sell
)

const (
	Limit Kind = iota + 1
	Market
)

const (
	New Status = iota + 1
	PartiallyFilled
	Filled
	Cancelled
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the side an order of s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(v) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown side %q", v)}
}

func (k Kind) String() string {
	switch k {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

func (k Kind) Valid() bool { return k == Limit || k == Market }

func ParseKind(v string) (Kind, error) {
	switch strings.ToUpper(v) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	}
	return 0, &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown kind %q", v)}
}

func (s Status) String() string {
	switch s {
	case New:
		return "NEW"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// Order is a pure domain entity.
//
// ID, InstrumentID, Account, Side, Kind, Price, OriginalQty, Seq and
// SubmittedAt never change after acceptance. Qty is the remaining
// quantity and only shrinks, through Fill.
type Order struct {
	ID           string
	InstrumentID uint64
	Account      string

	Side  Side
	Kind  Kind
	Price int64 // 0 for market orders

	Qty         int64
	OriginalQty int64

	Seq         uint64
	Status      Status
	SubmittedAt time.Time

	next  *Order
	prev  *Order
	level *PriceLevel
}

// Filled returns the executed quantity. For a cancelled order Qty is the
// cancelled remainder, so the difference is still what traded.
func (o *Order) Filled() int64 {
	return o.OriginalQty - o.Qty
}

func (o *Order) Terminal() bool {
	return o.Status.Terminal()
}

// Resting reports whether the order currently sits in a price level.
func (o *Order) Resting() bool {
	return o.level != nil
}

// Fill executes qty against the order and moves it to PARTIALLY_FILLED or
// FILLED.
func (o *Order) Fill(qty int64) error {
	if o.Terminal() {
		return &OrderTerminalError{OrderID: o.ID, Status: o.Status}
	}
	if qty <= 0 || qty > o.Qty {
		return &ValidationError{Field: "qty", Reason: fmt.Sprintf("fill %d outside remaining %d", qty, o.Qty)}
	}

	o.Qty -= qty
	if o.Qty == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
	return nil
}

// Cancel moves a live order to CANCELLED. The remaining quantity is kept
// as the cancelled remainder.
func (o *Order) Cancel() error {
	if o.Terminal() {
		return &OrderTerminalError{OrderID: o.ID, Status: o.Status}
	}
	o.Status = Cancelled
	return nil
}

// Clone returns a detached copy safe to hand outside the owning shard.
func (o *Order) Clone() Order {
	c := *o
	c.next, c.prev, c.level = nil, nil, nil
	return c
}

// Read-only traversal helper.
func (o *Order) Next() *Order {
	return o.next
}

// Intent is an order as submitted by a client, before sequencing.
type Intent struct {
	OrderID      string // optional, generated when empty
	InstrumentID uint64
	Account      string
	Side         Side
	Kind         Kind
	Qty          int64
	Price        int64
}

// Validate checks field ranges and kind/price consistency.
func (i Intent) Validate() error {
	switch {
	case i.InstrumentID == 0:
		return &ValidationError{Field: "instrument", Reason: "missing"}
	case !i.Side.Valid():
		return &ValidationError{Field: "direction", Reason: "must be BUY or SELL"}
	case !i.Kind.Valid():
		return &ValidationError{Field: "order_type", Reason: "must be LIMIT or MARKET"}
	case i.Qty < 1:
		return &ValidationError{Field: "qty", Reason: "must be >= 1"}
	case i.Kind == Limit && i.Price <= 0:
		return &ValidationError{Field: "price", Reason: "limit order needs price > 0"}
	case i.Kind == Market && i.Price != 0:
		return &ValidationError{Field: "price", Reason: "market order must not carry a price"}
	}
	return nil
}
