package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

func newClient(t *testing.T) *ExchangeClient {
	t.Helper()

	ex := service.New(service.Config{
		Journal:       journal.NewMemory(),
		Registry:      instrument.NewMemoryRegistry(),
		AppendTimeout: time.Second,
	})
	t.Cleanup(ex.Close)
	ctx := context.Background()
	require.NoError(t, ex.Start(ctx))
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewServer(ex, nil))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewExchangeClient(conn)
}

func TestPlaceMatchAndQuery(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	ask, err := c.PlaceOrder(ctx, &PlaceOrderRequest{
		Ticker: "MEMCOIN", OrderID: "ask-1", UserID: "alice",
		Direction: "SELL", OrderType: "LIMIT", Qty: 10, Price: 100,
	})
	require.NoError(t, err)
	require.Equal(t, "NEW", ask.Order.Status)
	require.Empty(t, ask.Trades)

	bid, err := c.PlaceOrder(ctx, &PlaceOrderRequest{
		Ticker: "memcoin", OrderID: "bid-1", UserID: "bob",
		Direction: "BUY", OrderType: "MARKET", Qty: 3,
	})
	require.NoError(t, err)
	require.Equal(t, "FILLED", bid.Order.Status)
	require.Len(t, bid.Trades, 1)
	require.Equal(t, Trade{TradeID: 1, BuyOrderID: "bid-1", SellOrderID: "ask-1", Price: 100, Qty: 3, Seq: 2}, bid.Trades[0])

	book, err := c.GetOrderBook(ctx, &GetOrderBookRequest{Ticker: "MEMCOIN", Depth: 5})
	require.NoError(t, err)
	require.Equal(t, uint64(2), book.LastSeq)
	require.Empty(t, book.Bids)
	require.Equal(t, []Level{{Price: 100, Qty: 7, Orders: 1}}, book.Asks)

	o, err := c.GetOrder(ctx, &GetOrderRequest{Ticker: "MEMCOIN", OrderID: "ask-1"})
	require.NoError(t, err)
	require.Equal(t, "PARTIALLY_FILLED", o.Status)
	require.Equal(t, int64(7), o.Remaining)
	require.Equal(t, "alice", o.UserID)

	cancelled, err := c.CancelOrder(ctx, &CancelOrderRequest{Ticker: "MEMCOIN", OrderID: "ask-1"})
	require.NoError(t, err)
	require.Equal(t, "CANCELLED", cancelled.Order.Status)
}

func TestErrorCodes(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, &PlaceOrderRequest{Ticker: "MEMCOIN", Direction: "BUY", OrderType: "LIMIT", Qty: 1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.PlaceOrder(ctx, &PlaceOrderRequest{Ticker: "MEMCOIN", Direction: "UP", OrderType: "LIMIT", Qty: 1, Price: 1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.PlaceOrder(ctx, &PlaceOrderRequest{Ticker: "NOPE", Direction: "BUY", OrderType: "MARKET", Qty: 1})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.GetOrder(ctx, &GetOrderRequest{Ticker: "MEMCOIN", OrderID: "missing"})
	require.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.PlaceOrder(ctx, &PlaceOrderRequest{Ticker: "MEMCOIN", OrderID: "m", Direction: "BUY", OrderType: "MARKET", Qty: 1})
	require.NoError(t, err)
	// an unmatched market order is cancelled at once
	_, err = c.CancelOrder(ctx, &CancelOrderRequest{Ticker: "MEMCOIN", OrderID: "m"})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStoppedShardIsUnavailable(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("%w: MEMCOIN: %w", service.ErrShardFailed, &orderbook.ValidationError{Field: "order_id"}), codes.Unavailable},
		{fmt.Errorf("%w: MEMCOIN: %w", service.ErrShardFailed, orderbook.ErrNotFound), codes.Unavailable},
		{&orderbook.ValidationError{Field: "qty"}, codes.InvalidArgument},
		{&journal.WriteFailure{InstrumentID: 1, Seq: 1, Err: errors.New("io")}, codes.Unavailable},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, status.Code(toStatus(tt.err)), tt.err.Error())
	}
}
