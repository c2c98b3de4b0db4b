package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

func sampleBatch(inst, seq uint64) []Record {
	return []Record{
		{InstrumentID: inst, Seq: seq, Index: 0, Time: -5, Payload: OrderAccepted{
			OrderID: "a", Account: "acc", Side: orderbook.Buy, Type: orderbook.Limit, Qty: 10, Price: 100,
		}},
		{InstrumentID: inst, Seq: seq, Index: 1, Time: 42, Payload: TradeExecuted{
			TradeID: 7, BuyOrderID: "a", SellOrderID: "b", Price: 100, Qty: 4, Aggressor: orderbook.Buy,
		}},
		{InstrumentID: inst, Seq: seq, Index: 2, Time: 42, Payload: OrderStatusChanged{
			OrderID: "a", OrderSeq: seq, From: orderbook.New, To: orderbook.PartiallyFilled, Remaining: 6,
		}},
		{InstrumentID: inst, Seq: seq, Index: 3, Time: 42, Payload: OrderCancelled{
			OrderID: "a", OrderSeq: seq, Remaining: 6,
		}},
	}
}

func TestBatchCodec(t *testing.T) {
	in := sampleBatch(3, 9)

	buf, err := MarshalBatch(nil, in)
	require.NoError(t, err)

	out, err := UnmarshalBatch(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	buf, err := MarshalBatch(nil, sampleBatch(1, 1))
	require.NoError(t, err)

	_, err = UnmarshalBatch(buf[:len(buf)-3])
	require.ErrorIs(t, err, ErrCorrupt)

	_, err = UnmarshalRecord([]byte{0x08, 0x63}) // kind=99, no payload
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestValidate(t *testing.T) {
	require.ErrorIs(t, Validate(nil), ErrEmptyBatch)

	b := sampleBatch(1, 5)
	b[2].Index = 1
	require.ErrorIs(t, Validate(b), ErrOutOfOrder)

	b = sampleBatch(1, 5)
	b[1].InstrumentID = 2
	require.ErrorIs(t, Validate(b), ErrOutOfOrder)
}

func TestMemoryReplayFrom(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, m.Append(ctx, sampleBatch(1, seq)[:2]))
	}
	require.NoError(t, m.Append(ctx, sampleBatch(2, 1)[:1]))

	all, err := Collect(m.Replay(ctx, 1, 0))
	require.NoError(t, err)
	require.Len(t, all, 10)

	tail, err := Collect(m.Replay(ctx, 1, 4))
	require.NoError(t, err)
	require.Len(t, tail, 4)
	require.Equal(t, uint64(4), tail[0].Seq)

	// restartable: ranging again yields the same records
	again, err := Collect(m.Replay(ctx, 1, 4))
	require.NoError(t, err)
	require.Equal(t, tail, again)

	last, err := m.LastSeq(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestMemoryRejectsRegression(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Append(ctx, sampleBatch(1, 2)[:1]))
	require.ErrorIs(t, m.Append(ctx, sampleBatch(1, 1)[:1]), ErrOutOfOrder)
	require.ErrorIs(t, m.Append(ctx, sampleBatch(1, 2)[:1]), ErrOutOfOrder)
}

func TestMemoryFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("disk full")

	m.SetFailure(boom)
	require.ErrorIs(t, m.Append(ctx, sampleBatch(1, 1)[:1]), boom)
	m.SetFailure(nil)
	require.NoError(t, m.Append(ctx, sampleBatch(1, 1)[:1]))
	require.Equal(t, 1, m.Appends())
}
