package journal

import (
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

type Kind uint8

const (
	KindOrderAccepted Kind = iota + 1
	KindOrderCancelled
	KindTradeExecuted
	KindOrderStatusChanged
)

func (k Kind) String() string {
	switch k {
	case KindOrderAccepted:
		return "ORDER_ACCEPTED"
	case KindOrderCancelled:
		return "ORDER_CANCELLED"
	case KindTradeExecuted:
		return "TRADE_EXECUTED"
	case KindOrderStatusChanged:
		return "ORDER_STATUS_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Record is one immutable journal entry.
//
// Seq is the sequence number of the command that produced the record and
// Index orders the records sharing it: the command record (OrderAccepted
// or OrderCancelled) is always Index 0. Time is metadata only.
type Record struct {
	InstrumentID uint64
	Seq          uint64
	Index        uint32
	Time         int64
	Payload      Payload
}

func (r Record) Kind() Kind {
	if r.Payload == nil {
		return 0
	}
	return r.Payload.Kind()
}

// Before reports whether r precedes other in journal order.
func (r Record) Before(other Record) bool {
	if r.Seq != other.Seq {
		return r.Seq < other.Seq
	}
	return r.Index < other.Index
}

// Payload is the sealed set of record variants.
type Payload interface {
	Kind() Kind
	payload()
}

type OrderAccepted struct {
	OrderID string
	Account string
	Side    orderbook.Side
	Type    orderbook.Kind
	Qty     int64
	Price   int64
}

type OrderCancelled struct {
	OrderID   string
	OrderSeq  uint64
	Remaining int64
}

type TradeExecuted struct {
	TradeID     uint64
	BuyOrderID  string
	SellOrderID string
	Price       int64
	Qty         int64
	Aggressor   orderbook.Side
}

type OrderStatusChanged struct {
	OrderID   string
	OrderSeq  uint64
	From      orderbook.Status
	To        orderbook.Status
	Remaining int64
}

func (OrderAccepted) Kind() Kind      { return KindOrderAccepted }
func (OrderCancelled) Kind() Kind     { return KindOrderCancelled }
func (TradeExecuted) Kind() Kind      { return KindTradeExecuted }
func (OrderStatusChanged) Kind() Kind { return KindOrderStatusChanged }

func (OrderAccepted) payload()      {}
func (OrderCancelled) payload()     {}
func (TradeExecuted) payload()      {}
func (OrderStatusChanged) payload() {}

// Accepted builds the OrderAccepted record for a freshly sequenced order.
func Accepted(o *orderbook.Order) Record {
	return Record{
		InstrumentID: o.InstrumentID,
		Seq:          o.Seq,
		Index:        0,
		Time:         o.SubmittedAt.UnixNano(),
		Payload: OrderAccepted{
			OrderID: o.ID,
			Account: o.Account,
			Side:    o.Side,
			Type:    o.Kind,
			Qty:     o.OriginalQty,
			Price:   o.Price,
		},
	}
}

// Order rebuilds the NEW order an OrderAccepted record describes.
func (p OrderAccepted) Order(r Record) *orderbook.Order {
	return &orderbook.Order{
		ID:           p.OrderID,
		InstrumentID: r.InstrumentID,
		Account:      p.Account,
		Side:         p.Side,
		Kind:         p.Type,
		Price:        p.Price,
		Qty:          p.Qty,
		OriginalQty:  p.Qty,
		Seq:          r.Seq,
		Status:       orderbook.New,
		SubmittedAt:  Timestamp(r.Time),
	}
}

// Timestamp converts journal nanoseconds to the canonical UTC time used
// throughout the domain.
func Timestamp(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
