package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

// OrderMessage is an order placed through the broker.
type OrderMessage struct {
	OrderID   string    `json:"order_id"`
	OrderType string    `json:"order_type"` // market | limit
	UserID    string    `json:"user_id"`
	Ticker    string    `json:"ticker"`
	Direction string    `json:"direction"` // BUY | SELL
	Qty       int64     `json:"qty"`
	Price     *int64    `json:"price,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Intent converts the message into an order intent. The instrument id is
// left for the exchange to resolve from Ticker.
func (m OrderMessage) Intent() (orderbook.Intent, error) {
	kind, err := orderbook.ParseKind(m.OrderType)
	if err != nil {
		return orderbook.Intent{}, err
	}
	side, err := orderbook.ParseSide(m.Direction)
	if err != nil {
		return orderbook.Intent{}, err
	}
	in := orderbook.Intent{
		OrderID: m.OrderID,
		Account: m.UserID,
		Side:    side,
		Kind:    kind,
		Qty:     m.Qty,
	}
	if m.Price != nil {
		in.Price = *m.Price
	}
	return in, nil
}

// Handler places one decoded order.
type Handler func(ctx context.Context, msg OrderMessage) error

// Rejected reports whether err is a business rejection. Rejected messages
// are dropped and committed; anything else is retried. A stopped shard
// wraps the error that stopped it and is never a rejection.
func Rejected(err error) bool {
	var ve *orderbook.ValidationError
	var te *orderbook.OrderTerminalError
	switch {
	case errors.Is(err, service.ErrShardFailed):
		return false
	case errors.As(err, &ve), errors.As(err, &te):
		return true
	case errors.Is(err, orderbook.ErrNotFound),
		errors.Is(err, instrument.ErrNotFound),
		errors.Is(err, instrument.ErrInvalidTicker):
		return true
	}
	return false
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxBackoff caps the wait between retries of a failing message.
	MaxBackoff time.Duration
}

// Consumer feeds broker orders into the exchange. Offsets are committed
// only after a message was placed or rejected, so an infrastructure failure
// redelivers it. Redelivered orders carry their order id and are rejected
// as duplicates by the engine.
type Consumer struct {
	r      reader
	handle Handler
	log    *zap.Logger

	maxBackoff time.Duration
}

func NewConsumer(cfg ConsumerConfig, h Handler, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0,
	})
	return newConsumer(r, cfg.MaxBackoff, h, log)
}

func newConsumer(r reader, maxBackoff time.Duration, h Handler, log *zap.Logger) *Consumer {
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, handle: h, log: log.Named("intake"), maxBackoff: maxBackoff}
}

// Run consumes until ctx is done or the reader fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("started")
	defer c.log.Info("stopped")

	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("intake: fetch: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("intake: commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process returns nil once the message may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	var om OrderMessage
	if err := json.Unmarshal(msg.Value, &om); err != nil {
		c.log.Warn("malformed order message dropped",
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return nil
	}
	om.Ticker = strings.ToUpper(om.Ticker)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.handle(ctx, om)
		switch {
		case err == nil:
			return nil
		case Rejected(err):
			return backoff.Permanent(err)
		}
		c.log.Warn("order placement failed, retrying",
			zap.String("order_id", om.OrderID),
			zap.String("ticker", om.Ticker),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil {
		return nil
	}
	if Rejected(err) {
		c.log.Info("order rejected",
			zap.String("order_id", om.OrderID),
			zap.String("ticker", om.Ticker),
			zap.Error(err),
		)
		return nil
	}
	return err
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
