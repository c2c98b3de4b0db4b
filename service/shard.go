package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/event"
	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/metrics"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
)

// Outbox stores outbound events next to a per-instrument watermark.
type Outbox interface {
	Put(instrumentID, seq uint64, events []event.Event) error
	Watermark(instrumentID uint64) (uint64, error)
}

// Book is an aggregated view of an instrument's resting orders.
type Book struct {
	InstrumentID uint64                `json:"instrument_id"`
	Ticker       string                `json:"ticker"`
	LastSeq      uint64                `json:"last_seq"`
	Bids         []orderbook.LevelView `json:"bids"`
	Asks         []orderbook.LevelView `json:"asks"`
}

type shardConfig struct {
	inst    instrument.Instrument
	journal journal.Journal
	seq     *sequence.Sequencer
	// ownSeq is true when seq belongs to this instrument alone.
	ownSeq bool

	outbox      Outbox
	snapshotDir string
	queueSize   int
	assignOpts  []sequence.Option

	metrics *metrics.Metrics
	log     *zap.Logger
}

/*
Shard owns one instrument's engine and executes its commands one at a time
on a single goroutine. Submits, cancels, queries and recovery all travel
the same queue, so a command observes every command accepted before it.

A journal failure stops the shard: the engine may then hold state the
journal does not, so every later command is rejected until Recover
rebuilds the engine from the journal.
*/
type Shard struct {
	cfg      shardConfig
	ctx      context.Context
	engine   *matching.Engine
	assigner *sequence.Assigner
	log      *zap.Logger

	cmds chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	failure error
}

func openShard(ctx context.Context, cfg shardConfig) (*Shard, error) {
	if cfg.queueSize <= 0 {
		cfg.queueSize = 1024
	}
	s := &Shard{
		cfg:      cfg,
		ctx:      context.Background(),
		assigner: sequence.NewAssigner(cfg.seq, cfg.journal, cfg.assignOpts...),
		log:      cfg.log.Named("shard").With(zap.String("ticker", cfg.inst.Ticker)),
		cmds:     make(chan func(), cfg.queueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := s.rebuild(ctx); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Shard) Instrument() instrument.Instrument { return s.cfg.inst }

// Err returns the failure that stopped the shard, or nil.
func (s *Shard) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Shard) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			return
		}
	}
}

// exec runs fn on the shard goroutine and waits for it. Once enqueued a
// command runs to completion even if ctx is cancelled.
func (s *Shard) exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	cmd := func() {
		defer close(ran)
		fn()
	}

	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}

	select {
	case <-ran:
		return nil
	case <-s.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (s *Shard) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// -------------------- Commands --------------------

func (s *Shard) Submit(ctx context.Context, in orderbook.Intent) (res matching.Result, err error) {
	if xerr := s.exec(ctx, func() { res, err = s.submit(in) }); xerr != nil {
		return matching.Result{}, xerr
	}
	return res, err
}

func (s *Shard) submit(in orderbook.Intent) (matching.Result, error) {
	if err := s.usable(); err != nil {
		return matching.Result{}, err
	}

	in.InstrumentID = s.cfg.inst.ID
	in.OrderID = s.assigner.ID(in)
	if s.engine.Known(in.OrderID) {
		return matching.Result{}, &orderbook.ValidationError{Field: "order_id", Reason: "duplicate " + in.OrderID}
	}

	// 1️⃣ Sequence + journal the acceptance
	o, err := s.assigner.Assign(s.ctx, in)
	if err != nil {
		if fatal(err) {
			s.fail(err)
		}
		return matching.Result{}, err
	}
	head := journal.Accepted(o)

	// 2️⃣ Match
	res, err := s.engine.Submit(o)
	if err != nil {
		s.fail(fmt.Errorf("apply seq %d: %w", o.Seq, err))
		return matching.Result{}, s.usable()
	}

	// 3️⃣ Journal what the match derived
	if len(res.Records) > 0 {
		if err := s.cfg.journal.Append(s.ctx, res.Records); err != nil {
			wf := &journal.WriteFailure{InstrumentID: s.cfg.inst.ID, Seq: o.Seq, Err: err}
			s.fail(wf)
			return matching.Result{}, wf
		}
	}

	s.cfg.metrics.OrderAccepted(s.cfg.inst.Ticker)
	for _, t := range res.Trades {
		s.cfg.metrics.Trade(s.cfg.inst.Ticker, t.Qty)
	}

	// 4️⃣ Publish
	s.publish(o.Seq, append([]journal.Record{head}, res.Records...))
	return res, nil
}

func (s *Shard) Cancel(ctx context.Context, orderID string) (res matching.CancelResult, err error) {
	if xerr := s.exec(ctx, func() { res, err = s.cancel(orderID) }); xerr != nil {
		return matching.CancelResult{}, xerr
	}
	return res, err
}

// cancel consumes a sequence number only when the cancel is accepted.
func (s *Shard) cancel(orderID string) (matching.CancelResult, error) {
	if err := s.usable(); err != nil {
		return matching.CancelResult{}, err
	}
	if err := s.engine.CheckCancel(orderID); err != nil {
		return matching.CancelResult{}, err
	}

	seq, err := s.assigner.Reserve()
	if err != nil {
		s.fail(err)
		return matching.CancelResult{}, err
	}
	res, err := s.engine.Cancel(orderID, seq, s.assigner.Stamp())
	if err != nil {
		s.assigner.Release(seq)
		return matching.CancelResult{}, err
	}

	if err := s.cfg.journal.Append(s.ctx, res.Records); err != nil {
		wf := &journal.WriteFailure{InstrumentID: s.cfg.inst.ID, Seq: seq, Err: err}
		s.fail(wf)
		return matching.CancelResult{}, wf
	}

	s.cfg.metrics.Cancelled(s.cfg.inst.Ticker)
	s.publish(seq, res.Records)
	return res, nil
}

func (s *Shard) publish(seq uint64, recs []journal.Record) {
	s.cfg.metrics.Resting(s.cfg.inst.Ticker, s.engine.Book().Len())
	if s.cfg.outbox == nil {
		return
	}
	events := event.FromRecords(s.cfg.inst.Ticker, recs)
	if len(events) == 0 {
		return
	}
	// The command is committed; replay re-derives these events from the
	// journal because the watermark did not move.
	if err := s.cfg.outbox.Put(s.cfg.inst.ID, seq, events); err != nil {
		s.fail(fmt.Errorf("outbox seq %d: %w", seq, err))
	}
}

// -------------------- Queries --------------------

func (s *Shard) Order(ctx context.Context, orderID string) (o orderbook.Order, err error) {
	if xerr := s.exec(ctx, func() {
		if err = s.usable(); err == nil {
			o, err = s.engine.Order(orderID)
		}
	}); xerr != nil {
		return orderbook.Order{}, xerr
	}
	return o, err
}

func (s *Shard) OrdersByAccount(ctx context.Context, account string) (out []orderbook.Order, err error) {
	if xerr := s.exec(ctx, func() {
		if err = s.usable(); err == nil {
			out = s.engine.OrdersByAccount(account)
		}
	}); xerr != nil {
		return nil, xerr
	}
	return out, err
}

// Depth returns up to n levels per side; n <= 0 returns every level.
func (s *Shard) Depth(ctx context.Context, n int) (b Book, err error) {
	if xerr := s.exec(ctx, func() {
		if err = s.usable(); err != nil {
			return
		}
		book := s.engine.Book()
		if n <= 0 {
			n = max(book.Levels(orderbook.Buy), book.Levels(orderbook.Sell))
		}
		b = Book{
			InstrumentID: s.cfg.inst.ID,
			Ticker:       s.cfg.inst.Ticker,
			LastSeq:      s.engine.LastSeq(),
			Bids:         book.Depth(orderbook.Buy, n),
			Asks:         book.Depth(orderbook.Sell, n),
		}
	}); xerr != nil {
		return Book{}, xerr
	}
	return b, err
}

// Export captures the engine state between commands.
func (s *Shard) Export(ctx context.Context) (st matching.State, err error) {
	if xerr := s.exec(ctx, func() {
		if err = s.usable(); err == nil {
			st = s.engine.Export()
		}
	}); xerr != nil {
		return matching.State{}, xerr
	}
	return st, err
}

// -------------------- Failure & recovery --------------------

// Recover rebuilds the engine from snapshot and journal and, on success,
// resumes accepting commands.
func (s *Shard) Recover(ctx context.Context) (err error) {
	if xerr := s.exec(ctx, func() { err = s.rebuild(ctx) }); xerr != nil {
		return xerr
	}
	return err
}

func (s *Shard) rebuild(ctx context.Context) error {
	eng, stats, err := ReplayInstrument(ctx, s.cfg.journal, s.cfg.inst, ReplayOptions{
		SnapshotDir: s.cfg.snapshotDir,
		Outbox:      s.cfg.outbox,
		Log:         s.log,
	})
	if err != nil {
		return err
	}

	s.engine = eng
	if s.cfg.ownSeq {
		s.cfg.seq.Reset(stats.LastSeq)
	} else if s.cfg.seq.Current() < stats.LastSeq {
		s.cfg.seq.Reset(stats.LastSeq)
	}
	s.cfg.metrics.Resting(s.cfg.inst.Ticker, eng.Book().Len())

	s.mu.Lock()
	prev := s.failure
	s.failure = nil
	s.mu.Unlock()
	if prev != nil {
		s.log.Info("recovered", zap.Uint64("last_seq", stats.LastSeq), zap.NamedError("after", prev))
	}
	return nil
}

func (s *Shard) fail(err error) {
	s.mu.Lock()
	first := s.failure == nil
	if first {
		s.failure = err
	}
	s.mu.Unlock()
	if first {
		s.cfg.metrics.ShardFailed(s.cfg.inst.Ticker)
		s.log.Error("shard stopped", zap.Error(err))
	}
}

func (s *Shard) usable() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrShardFailed, s.cfg.inst.Ticker, err)
	}
	return nil
}

func fatal(err error) bool {
	var wf *journal.WriteFailure
	return errors.As(err, &wf) || errors.Is(err, sequence.ErrExhausted)
}
