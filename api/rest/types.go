package rest

import (
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

// ==============================
// Requests
// ==============================

type InstrumentRequest struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// OrderRequest is the body of both order endpoints. Price is rejected on
// the market endpoint and required on the limit one.
type OrderRequest struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Direction string `json:"direction"`
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     *int64 `json:"price,omitempty"`
}

// WSSubscribeRequest is what websocket clients send to pick channels.
// A channel is a ticker, or "*" for every instrument.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// ==============================
// Responses
// ==============================

type OrderBody struct {
	Direction string `json:"direction"`
	Ticker    string `json:"ticker"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price,omitempty"`
}

type OrderResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"order_type"`
	Timestamp time.Time `json:"timestamp"`
	Body      OrderBody `json:"body"`
	Filled    int64     `json:"filled"`
	Remaining int64     `json:"remaining"`
	Seq       uint64    `json:"seq"`

	Trades []matching.Trade `json:"trades,omitempty"`
}

type CreateOrderResponse struct {
	Success bool          `json:"success"`
	OrderID string        `json:"order_id"`
	Order   OrderResponse `json:"order"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Time     time.Time         `json:"time"`
	Failures map[string]string `json:"failures,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func orderResponse(ticker string, o orderbook.Order, trades []matching.Trade) OrderResponse {
	return OrderResponse{
		ID:        o.ID,
		Status:    o.Status.String(),
		UserID:    o.Account,
		Type:      o.Kind.String(),
		Timestamp: o.SubmittedAt,
		Body: OrderBody{
			Direction: o.Side.String(),
			Ticker:    ticker,
			Qty:       o.OriginalQty,
			Price:     o.Price,
		},
		Filled:    o.Filled(),
		Remaining: o.Qty,
		Seq:       o.Seq,
		Trades:    trades,
	}
}
