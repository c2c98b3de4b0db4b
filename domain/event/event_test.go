package event

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

func TestFromRecords(t *testing.T) {
	recs := []journal.Record{
		{InstrumentID: 1, Seq: 4, Index: 1, Payload: journal.TradeExecuted{
			TradeID: 1, BuyOrderID: "b", SellOrderID: "s", Price: 100, Qty: 5, Aggressor: orderbook.Sell,
		}},
		{InstrumentID: 1, Seq: 4, Index: 2, Payload: journal.OrderStatusChanged{
			OrderID: "b", OrderSeq: 3, From: orderbook.New, To: orderbook.PartiallyFilled, Remaining: 5,
		}},
		{InstrumentID: 1, Seq: 4, Index: 3, Payload: journal.OrderStatusChanged{
			OrderID: "s", OrderSeq: 4, From: orderbook.New, To: orderbook.Filled,
		}},
	}

	evs := FromRecords("MEMCOIN", recs)
	require.Len(t, evs, 2, "non-terminal status changes are not published")

	require.Equal(t, TypeTrade, evs[0].Type)
	require.Equal(t, "SELL", evs[0].Trade.Aggressor)
	require.Equal(t, "1/4/1", evs[0].ID())
	require.Equal(t, []byte("MEMCOIN"), evs[0].Key())

	require.Equal(t, TypeOrderStatus, evs[1].Type)
	require.Equal(t, "FILLED", evs[1].Order.Status)

	b, err := evs[1].Marshal()
	require.NoError(t, err)
	back, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, evs[1].ID(), back.ID())
	require.Equal(t, *evs[1].Order, *back.Order)
}
