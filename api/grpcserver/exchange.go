package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "exchange.v1.Exchange"

// -------------------- Messages --------------------

type PlaceOrderRequest struct {
	Ticker    string `json:"ticker"`
	OrderID   string `json:"order_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Direction string `json:"direction"`
	OrderType string `json:"order_type"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price,omitempty"`
}

type Trade struct {
	TradeID     uint64 `json:"trade_id"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	Seq         uint64 `json:"seq"`
}

type PlaceOrderResponse struct {
	Order  *OrderEntry `json:"order"`
	Trades []Trade     `json:"trades,omitempty"`
}

type CancelOrderRequest struct {
	Ticker  string `json:"ticker"`
	OrderID string `json:"order_id"`
}

type CancelOrderResponse struct {
	Order *OrderEntry `json:"order"`
}

type GetOrderRequest struct {
	Ticker  string `json:"ticker"`
	OrderID string `json:"order_id"`
}

type OrderEntry struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Ticker    string `json:"ticker"`
	Direction string `json:"direction"`
	OrderType string `json:"order_type"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
	Remaining int64  `json:"remaining"`
	Status    string `json:"status"`
	Seq       uint64 `json:"seq"`
}

type GetOrderBookRequest struct {
	Ticker string `json:"ticker"`
	Depth  int32  `json:"depth"`
}

type Level struct {
	Price  int64 `json:"price"`
	Qty    int64 `json:"qty"`
	Orders int32 `json:"orders"`
}

type OrderBookResponse struct {
	Ticker  string  `json:"ticker"`
	LastSeq uint64  `json:"last_seq"`
	Bids    []Level `json:"bids"`
	Asks    []Level `json:"asks"`
}

// -------------------- Service --------------------

type ExchangeServer interface {
	PlaceOrder(context.Context, *PlaceOrderRequest) (*PlaceOrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*CancelOrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderEntry, error)
	GetOrderBook(context.Context, *GetOrderBookRequest) (*OrderBookResponse, error)
}

func RegisterExchangeServer(s grpc.ServiceRegistrar, srv ExchangeServer) {
	s.RegisterService(&exchangeServiceDesc, srv)
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
		{MethodName: "GetOrderBook", Handler: getOrderBookHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "exchange/v1/exchange.proto",
}

func placeOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PlaceOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).PlaceOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/PlaceOrder"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).PlaceOrder(ctx, req.(*PlaceOrderRequest))
	})
}

func cancelOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CancelOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CancelOrder"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).CancelOrder(ctx, req.(*CancelOrderRequest))
	})
}

func getOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetOrder"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).GetOrder(ctx, req.(*GetOrderRequest))
	})
}

func getOrderBookHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetOrderBookRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).GetOrderBook(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetOrderBook"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).GetOrderBook(ctx, req.(*GetOrderBookRequest))
	})
}

// -------------------- Client --------------------

// ExchangeClient calls the service with the JSON codec.
type ExchangeClient struct {
	cc grpc.ClientConnInterface
}

func NewExchangeClient(cc grpc.ClientConnInterface) *ExchangeClient {
	return &ExchangeClient{cc: cc}
}

func (c *ExchangeClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *ExchangeClient) PlaceOrder(ctx context.Context, in *PlaceOrderRequest, opts ...grpc.CallOption) (*PlaceOrderResponse, error) {
	out := new(PlaceOrderResponse)
	if err := c.invoke(ctx, "PlaceOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExchangeClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpc.CallOption) (*CancelOrderResponse, error) {
	out := new(CancelOrderResponse)
	if err := c.invoke(ctx, "CancelOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExchangeClient) GetOrder(ctx context.Context, in *GetOrderRequest, opts ...grpc.CallOption) (*OrderEntry, error) {
	out := new(OrderEntry)
	if err := c.invoke(ctx, "GetOrder", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ExchangeClient) GetOrderBook(ctx context.Context, in *GetOrderBookRequest, opts ...grpc.CallOption) (*OrderBookResponse, error) {
	out := new(OrderBookResponse)
	if err := c.invoke(ctx, "GetOrderBook", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
