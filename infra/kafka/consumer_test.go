package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	close(r.done)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func message(t *testing.T, offset int64, om OrderMessage) kafka.Message {
	t.Helper()
	b, err := json.Marshal(om)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestOrderMessageIntent(t *testing.T) {
	price := int64(100)
	in, err := OrderMessage{OrderID: "o1", OrderType: "limit", UserID: "u1", Ticker: "MEMCOIN",
		Direction: "BUY", Qty: 5, Price: &price}.Intent()
	require.NoError(t, err)
	require.Equal(t, orderbook.Intent{OrderID: "o1", Account: "u1", Side: orderbook.Buy,
		Kind: orderbook.Limit, Qty: 5, Price: 100}, in)

	_, err = OrderMessage{OrderType: "stop", Direction: "BUY"}.Intent()
	var ve *orderbook.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestRejected(t *testing.T) {
	require.True(t, Rejected(&orderbook.ValidationError{Field: "qty"}))
	require.True(t, Rejected(&orderbook.OrderTerminalError{OrderID: "x", Status: orderbook.Filled}))
	require.True(t, Rejected(instrument.ErrNotFound))
	require.False(t, Rejected(errors.New("journal unavailable")))
	require.False(t, Rejected(nil))

	stopped := fmt.Errorf("%w: MEMCOIN: %w", service.ErrShardFailed, &orderbook.ValidationError{Field: "order_id"})
	require.False(t, Rejected(stopped), "a stopped shard is retried, not dropped")
}

func TestConsumerCommitsPlacedAndRejected(t *testing.T) {
	r := &fakeReader{done: make(chan struct{})}
	r.msgs = []kafka.Message{
		message(t, 1, OrderMessage{OrderID: "a", OrderType: "market", Ticker: "memcoin", Direction: "BUY", Qty: 1}),
		{Offset: 2, Value: []byte("{not json")},
		message(t, 3, OrderMessage{OrderID: "b", OrderType: "market", Ticker: "NOPE", Direction: "BUY", Qty: 1}),
		message(t, 4, OrderMessage{OrderID: "c", OrderType: "market", Ticker: "MEMCOIN", Direction: "SELL", Qty: 1}),
	}

	failures := 2
	var placed []string
	h := func(_ context.Context, om OrderMessage) error {
		if om.Ticker == "NOPE" {
			return instrument.ErrNotFound
		}
		if om.OrderID == "c" && failures > 0 {
			failures--
			return errors.New("shard unavailable")
		}
		placed = append(placed, om.OrderID+"@"+om.Ticker)
		return nil
	}

	c := newConsumer(r, 10*time.Millisecond, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain")
	}
	cancel()
	require.NoError(t, <-errc)

	require.Equal(t, []string{"a@MEMCOIN", "c@MEMCOIN"}, placed)
	require.Equal(t, []int64{1, 2, 3, 4}, r.committed)
	require.Zero(t, failures)
}

func TestConsumerStopsWithoutCommitOnCancel(t *testing.T) {
	r := &fakeReader{done: make(chan struct{})}
	r.msgs = []kafka.Message{
		message(t, 7, OrderMessage{OrderID: "a", OrderType: "market", Ticker: "MEMCOIN", Direction: "BUY", Qty: 1}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := func(context.Context, OrderMessage) error {
		cancel()
		return errors.New("journal unavailable")
	}

	c := newConsumer(r, 10*time.Millisecond, h, nil)
	require.NoError(t, c.Run(ctx))
	require.Empty(t, r.committed)
}
