package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/metrics"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
)

type Config struct {
	Journal  journal.Journal
	Registry instrument.Registry

	// Outbox is optional; without it no outbound events are produced.
	Outbox Outbox
	// SnapshotDir is optional; without it replay starts from the journal
	// head and snapshots are disabled.
	SnapshotDir string

	// GlobalSequence shares one sequencer across instruments. Numbers are
	// then unique exchange-wide, and a failed append may leave a gap.
	GlobalSequence bool

	QueueSize     int
	AppendTimeout time.Duration
	MaxRetries    uint64

	// AssignerOptions override the clock and id source, for tests.
	AssignerOptions []sequence.Option

	Metrics *metrics.Metrics
	Log     *zap.Logger
}

/*
Exchange is the ONLY write entry point into the system.

All coordination between:
- the instrument registry
- per-instrument shards (engine, sequencer)
- the journal, snapshots and the outbox
happens here.
*/
type Exchange struct {
	cfg     Config
	journal journal.Journal
	router  *Router
	global  *sequence.Sequencer
	log     *zap.Logger
}

// New wires all dependencies. No globals. No magic.
func New(cfg Config) *Exchange {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	e := &Exchange{
		cfg:     cfg,
		journal: newRetryJournal(cfg.Journal, cfg.AppendTimeout, cfg.MaxRetries, cfg.Metrics, cfg.Log),
		router:  NewRouter(),
		log:     cfg.Log.Named("exchange"),
	}
	if cfg.GlobalSequence {
		e.global = sequence.New(0)
	}
	return e
}

// Start replays every registered instrument. It MUST complete before the
// exchange serves traffic.
func (e *Exchange) Start(ctx context.Context) error {
	list, err := e.cfg.Registry.List(ctx)
	if err != nil {
		return err
	}
	for _, inst := range list {
		if _, err := e.shardFor(ctx, inst); err != nil {
			return err
		}
	}
	e.log.Info("started", zap.Int("instruments", len(list)), zap.Bool("global_sequence", e.global != nil))
	return nil
}

func (e *Exchange) Close() {
	e.router.closeAll()
}

func (e *Exchange) shardFor(ctx context.Context, inst instrument.Instrument) (*Shard, error) {
	return e.router.GetOrOpen(inst.ID, func() (*Shard, error) {
		seq, own := e.global, false
		if seq == nil {
			seq, own = sequence.New(0), true
		}
		return openShard(ctx, shardConfig{
			inst:        inst,
			journal:     e.journal,
			seq:         seq,
			ownSeq:      own,
			outbox:      e.cfg.Outbox,
			snapshotDir: e.cfg.SnapshotDir,
			queueSize:   e.cfg.QueueSize,
			assignOpts:  e.cfg.AssignerOptions,
			metrics:     e.cfg.Metrics,
			log:         e.cfg.Log,
		})
	})
}

func (e *Exchange) shard(ctx context.Context, ticker string) (*Shard, error) {
	inst, err := e.cfg.Registry.Lookup(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return e.shardFor(ctx, inst)
}

// -------------------- Instruments --------------------

func (e *Exchange) RegisterInstrument(ctx context.Context, name, ticker string) (instrument.Instrument, error) {
	inst, err := e.cfg.Registry.Register(ctx, name, ticker)
	if err != nil {
		return instrument.Instrument{}, err
	}
	if _, err := e.shardFor(ctx, inst); err != nil {
		return instrument.Instrument{}, err
	}
	e.log.Info("instrument registered", zap.Uint64("id", inst.ID), zap.String("ticker", inst.Ticker))
	return inst, nil
}

func (e *Exchange) Instruments(ctx context.Context) ([]instrument.Instrument, error) {
	return e.cfg.Registry.List(ctx)
}

func (e *Exchange) Instrument(ctx context.Context, ticker string) (instrument.Instrument, error) {
	return e.cfg.Registry.Lookup(ctx, ticker)
}

// -------------------- Commands --------------------

// Submit places an order on ticker's book. The intent's instrument id is
// taken from the registry.
func (e *Exchange) Submit(ctx context.Context, ticker string, in orderbook.Intent) (matching.Result, error) {
	s, err := e.shard(ctx, ticker)
	if err != nil {
		e.reject(err)
		return matching.Result{}, err
	}
	res, err := s.Submit(ctx, in)
	if err != nil {
		e.reject(err)
	}
	return res, err
}

func (e *Exchange) Cancel(ctx context.Context, ticker, orderID string) (matching.CancelResult, error) {
	s, err := e.shard(ctx, ticker)
	if err != nil {
		e.reject(err)
		return matching.CancelResult{}, err
	}
	res, err := s.Cancel(ctx, orderID)
	if err != nil {
		e.reject(err)
	}
	return res, err
}

// -------------------- Queries --------------------

func (e *Exchange) Order(ctx context.Context, ticker, orderID string) (orderbook.Order, error) {
	s, err := e.shard(ctx, ticker)
	if err != nil {
		return orderbook.Order{}, err
	}
	return s.Order(ctx, orderID)
}

// AccountOrder is one of an account's orders with the ticker it trades.
type AccountOrder struct {
	Ticker string
	Order  orderbook.Order
}

// OrdersByAccount lists every order account placed on any instrument,
// by instrument id and then acceptance order. Each instrument is read
// through its own shard queue; a stopped shard fails the whole call.
func (e *Exchange) OrdersByAccount(ctx context.Context, account string) ([]AccountOrder, error) {
	var out []AccountOrder
	for _, s := range e.router.All() {
		orders, err := s.OrdersByAccount(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			out = append(out, AccountOrder{Ticker: s.cfg.inst.Ticker, Order: o})
		}
	}
	return out, nil
}

func (e *Exchange) Depth(ctx context.Context, ticker string, n int) (Book, error) {
	s, err := e.shard(ctx, ticker)
	if err != nil {
		return Book{}, err
	}
	return s.Depth(ctx, n)
}

// Failures returns the error of every stopped shard, by ticker.
func (e *Exchange) Failures() map[string]error {
	out := make(map[string]error)
	for _, s := range e.router.All() {
		if err := s.Err(); err != nil {
			out[s.cfg.inst.Ticker] = err
		}
	}
	return out
}

// Recover rebuilds ticker's shard from snapshot and journal.
func (e *Exchange) Recover(ctx context.Context, ticker string) error {
	s, err := e.shard(ctx, ticker)
	if err != nil {
		return err
	}
	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recover %s: %w", ticker, err)
	}
	return nil
}

func (e *Exchange) reject(err error) {
	e.cfg.Metrics.OrderRejected(Reason(err))
}

// Reason names the class of a command error.
func Reason(err error) string {
	var ve *orderbook.ValidationError
	var te *orderbook.OrderTerminalError
	var wf *journal.WriteFailure
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrShardFailed):
		return "shard_failed"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "terminal"
	case errors.Is(err, orderbook.ErrNotFound):
		return "order_not_found"
	case errors.Is(err, instrument.ErrNotFound), errors.Is(err, instrument.ErrInvalidTicker):
		return "instrument_not_found"
	case errors.As(err, &wf):
		return "journal"
	case errors.Is(err, sequence.ErrExhausted):
		return "sequence_exhausted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
