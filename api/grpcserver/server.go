// Package grpcserver exposes order placement and queries over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

// Exchange is the part of service.Exchange the server adapts.
type Exchange interface {
	Submit(ctx context.Context, ticker string, in orderbook.Intent) (matching.Result, error)
	Cancel(ctx context.Context, ticker, orderID string) (matching.CancelResult, error)
	Order(ctx context.Context, ticker, orderID string) (orderbook.Order, error)
	Depth(ctx context.Context, ticker string, n int) (service.Book, error)
}

// Server adapts Exchange to gRPC.
type Server struct {
	ex  Exchange
	log *zap.Logger
}

func NewServer(ex Exchange, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ex: ex, log: log.Named("grpc")}
}

// NewGRPCServer returns a grpc.Server with s registered and request
// logging installed.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	g := grpc.NewServer(opts...)
	RegisterExchangeServer(g, s)
	return g
}

// -------------------- Commands --------------------

func (s *Server) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	side, err := orderbook.ParseSide(req.Direction)
	if err != nil {
		return nil, toStatus(err)
	}
	kind, err := orderbook.ParseKind(req.OrderType)
	if err != nil {
		return nil, toStatus(err)
	}

	ticker := strings.ToUpper(req.Ticker)
	res, err := s.ex.Submit(ctx, ticker, orderbook.Intent{
		OrderID: req.OrderID,
		Account: req.UserID,
		Side:    side,
		Kind:    kind,
		Qty:     req.Qty,
		Price:   req.Price,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &PlaceOrderResponse{
		Order:  fromOrder(ticker, res.Order),
		Trades: make([]Trade, 0, len(res.Trades)),
	}
	for _, t := range res.Trades {
		resp.Trades = append(resp.Trades, Trade{
			TradeID:     t.ID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price,
			Qty:         t.Qty,
			Seq:         t.Seq,
		})
	}
	return resp, nil
}

func (s *Server) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*CancelOrderResponse, error) {
	res, err := s.ex.Cancel(ctx, req.Ticker, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CancelOrderResponse{Order: fromOrder(req.Ticker, res.Order)}, nil
}

// -------------------- Queries --------------------

func (s *Server) GetOrder(ctx context.Context, req *GetOrderRequest) (*OrderEntry, error) {
	o, err := s.ex.Order(ctx, req.Ticker, req.OrderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return fromOrder(req.Ticker, o), nil
}

func (s *Server) GetOrderBook(ctx context.Context, req *GetOrderBookRequest) (*OrderBookResponse, error) {
	book, err := s.ex.Depth(ctx, req.Ticker, int(req.Depth))
	if err != nil {
		return nil, toStatus(err)
	}
	return &OrderBookResponse{
		Ticker:  book.Ticker,
		LastSeq: book.LastSeq,
		Bids:    fromLevels(book.Bids),
		Asks:    fromLevels(book.Asks),
	}, nil
}

// -------------------- Interceptors --------------------

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	code := status.Code(err)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.String("code", code.String()),
		zap.Duration("took", time.Since(start)),
	}
	switch code {
	case codes.OK, codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.AlreadyExists:
		s.log.Debug("request", fields...)
	default:
		s.log.Warn("request", append(fields, zap.Error(err))...)
	}
	return resp, err
}

// -------------------- Converters --------------------

// toStatus maps a command error to a gRPC status. A stopped shard wraps
// the error that stopped it, so it is checked first.
func toStatus(err error) error {
	var ve *orderbook.ValidationError
	var te *orderbook.OrderTerminalError
	var wf *journal.WriteFailure
	switch {
	case errors.Is(err, service.ErrShardFailed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &ve), errors.Is(err, instrument.ErrInvalidTicker):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orderbook.ErrNotFound), errors.Is(err, instrument.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrClosed),
		errors.As(err, &wf),
		errors.Is(err, sequence.ErrExhausted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func fromOrder(ticker string, o orderbook.Order) *OrderEntry {
	return &OrderEntry{
		ID:        o.ID,
		UserID:    o.Account,
		Ticker:    ticker,
		Direction: o.Side.String(),
		OrderType: o.Kind.String(),
		Price:     o.Price,
		Qty:       o.OriginalQty,
		Remaining: o.Qty,
		Status:    o.Status.String(),
		Seq:       o.Seq,
	}
}

func fromLevels(levels []orderbook.LevelView) []Level {
	out := make([]Level, 0, len(levels))
	for _, l := range levels {
		out = append(out, Level{Price: l.Price, Qty: l.Qty, Orders: int32(l.Orders)})
	}
	return out
}
