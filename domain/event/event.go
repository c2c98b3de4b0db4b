// Package event turns journal records into outbound notifications.
//
// Events are published at least once. (InstrumentID, Seq, Index) is unique
// per event and is what consumers deduplicate on.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

const Version = 1

const (
	TypeTrade       = "trade"
	TypeOrderStatus = "order_status"
)

type Event struct {
	V            int       `json:"v"`
	Type         string    `json:"type"`
	InstrumentID uint64    `json:"instrument_id"`
	Ticker       string    `json:"ticker"`
	Seq          uint64    `json:"seq"`
	Index        uint32    `json:"index"`
	Time         time.Time `json:"time"`

	Trade *Trade `json:"trade,omitempty"`
	Order *Order `json:"order,omitempty"`
}

type Trade struct {
	TradeID     uint64 `json:"trade_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	Aggressor   string `json:"aggressor"`
}

type Order struct {
	OrderID   string `json:"order_id"`
	OrderSeq  uint64 `json:"order_seq"`
	Status    string `json:"status"`
	Remaining int64  `json:"remaining"`
}

// FromRecords derives the events of one committed batch: every trade, and
// every transition into FILLED or CANCELLED.
func FromRecords(ticker string, recs []journal.Record) []Event {
	var out []Event
	for _, r := range recs {
		base := Event{
			V:            Version,
			InstrumentID: r.InstrumentID,
			Ticker:       ticker,
			Seq:          r.Seq,
			Index:        r.Index,
			Time:         journal.Timestamp(r.Time),
		}
		switch p := r.Payload.(type) {
		case journal.TradeExecuted:
			base.Type = TypeTrade
			base.Trade = &Trade{
				TradeID:     p.TradeID,
				BuyOrderID:  p.BuyOrderID,
				SellOrderID: p.SellOrderID,
				Price:       p.Price,
				Qty:         p.Qty,
				Aggressor:   p.Aggressor.String(),
			}
			out = append(out, base)
		case journal.OrderStatusChanged:
			if p.To != orderbook.Filled && p.To != orderbook.Cancelled {
				continue
			}
			base.Type = TypeOrderStatus
			base.Order = &Order{
				OrderID:   p.OrderID,
				OrderSeq:  p.OrderSeq,
				Status:    p.To.String(),
				Remaining: p.Remaining,
			}
			out = append(out, base)
		}
	}
	return out
}

// ID is the deduplication key.
func (e Event) ID() string {
	return fmt.Sprintf("%d/%d/%d", e.InstrumentID, e.Seq, e.Index)
}

// Key is the partition key: all events of an instrument share it, which
// keeps them ordered on a partitioned broker.
func (e Event) Key() []byte {
	return []byte(e.Ticker)
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}
