package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
)

func newTestShard(t *testing.T, j journal.Journal) *Shard {
	t.Helper()
	s, err := openShard(context.Background(), shardConfig{
		inst:       instrument.Instrument{ID: 1, Name: "Memcoin", Ticker: "MEMCOIN"},
		journal:    newRetryJournal(j, time.Second, 0, nil, zap.NewNop()),
		seq:        sequence.New(0),
		ownSeq:     true,
		queueSize:  1,
		assignOpts: testOptions(),
		log:        zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func TestShardClosedRejects(t *testing.T) {
	s := newTestShard(t, journal.NewMemory())
	s.Close()
	s.Close()

	_, err := s.Submit(context.Background(), limit(orderbook.Buy, 1, 1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestShardEnqueueHonoursContext(t *testing.T) {
	s := newTestShard(t, journal.NewMemory())
	defer s.Close()

	// park the shard goroutine and fill the queue
	started, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = s.exec(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started
	s.cmds <- func() {}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, limit(orderbook.Buy, 1, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

type countingJournal struct {
	*journal.Memory
	calls atomic.Int32
	fails int32
}

func (j *countingJournal) Append(ctx context.Context, batch []journal.Record) error {
	if j.calls.Add(1) <= j.fails {
		return errDisk
	}
	return j.Memory.Append(ctx, batch)
}

func TestRetryJournal(t *testing.T) {
	ctx := context.Background()
	rec := journal.Record{InstrumentID: 1, Seq: 1, Payload: journal.OrderAccepted{OrderID: "a", Side: orderbook.Buy, Type: orderbook.Market, Qty: 1}}

	j := &countingJournal{Memory: journal.NewMemory(), fails: 2}
	rj := newRetryJournal(j, time.Second, 2, nil, zap.NewNop())
	require.NoError(t, rj.Append(ctx, []journal.Record{rec}))
	require.Equal(t, int32(3), j.calls.Load())

	j = &countingJournal{Memory: journal.NewMemory(), fails: 5}
	rj = newRetryJournal(j, time.Second, 1, nil, zap.NewNop())
	require.ErrorIs(t, rj.Append(ctx, []journal.Record{rec}), errDisk)
	require.Equal(t, int32(2), j.calls.Load())

	// out-of-order is never retried
	j = &countingJournal{Memory: journal.NewMemory()}
	rj = newRetryJournal(j, time.Second, 3, nil, zap.NewNop())
	require.NoError(t, rj.Append(ctx, []journal.Record{rec}))
	require.ErrorIs(t, rj.Append(ctx, []journal.Record{rec}), journal.ErrOutOfOrder)
	require.Equal(t, int32(2), j.calls.Load())
}

// stallingJournal holds appends until release is closed, then completes
// them whatever happened to ctx meanwhile, the way a stuck fsync does.
type stallingJournal struct {
	*journal.Memory
	stall   atomic.Bool
	release chan struct{}
}

func (j *stallingJournal) Append(ctx context.Context, batch []journal.Record) error {
	if j.stall.Load() {
		<-j.release
		ctx = context.WithoutCancel(ctx)
	}
	return j.Memory.Append(ctx, batch)
}

func TestAppendTimeoutStopsShardAndRecoverSeesLateWrite(t *testing.T) {
	ctx := context.Background()
	j := &stallingJournal{Memory: journal.NewMemory(), release: make(chan struct{})}
	s, err := openShard(ctx, shardConfig{
		inst:       instrument.Instrument{ID: 1, Name: "Memcoin", Ticker: "MEMCOIN"},
		journal:    newRetryJournal(j, 30*time.Millisecond, 3, nil, zap.NewNop()),
		seq:        sequence.New(0),
		ownSeq:     true,
		assignOpts: testOptions(),
		log:        zap.NewNop(),
	})
	require.NoError(t, err)
	defer s.Close()

	j.stall.Store(true)
	in := limit(orderbook.Buy, 10, 1)
	in.OrderID = "slow"
	start := time.Now()
	_, err = s.Submit(ctx, in)
	require.Less(t, time.Since(start), time.Second, "the timeout bounds the call")
	var wf *journal.WriteFailure
	require.ErrorAs(t, err, &wf)
	require.ErrorIs(t, err, ErrAppendOutcome)
	require.Error(t, s.Err())

	_, err = s.Order(ctx, "slow")
	require.ErrorIs(t, err, ErrShardFailed)

	// the abandoned write lands after the caller gave up
	j.stall.Store(false)
	close(j.release)
	require.NoError(t, s.Recover(ctx))
	require.NoError(t, s.Err())

	o, err := s.Order(ctx, "slow")
	require.NoError(t, err)
	require.Equal(t, uint64(1), o.Seq)

	res, err := s.Submit(ctx, limit(orderbook.Sell, 10, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Order.Seq)
	require.Equal(t, orderbook.Filled, res.Status)
}

func TestRetryJournalDoesNotRetryAbandonedAppend(t *testing.T) {
	j := &stallingJournal{Memory: journal.NewMemory(), release: make(chan struct{})}
	j.stall.Store(true)
	rj := newRetryJournal(j, 20*time.Millisecond, 5, nil, zap.NewNop())
	rec := journal.Record{InstrumentID: 1, Seq: 1, Payload: journal.OrderAccepted{OrderID: "a", Side: orderbook.Buy, Type: orderbook.Market, Qty: 1}}

	err := rj.Append(context.Background(), []journal.Record{rec})
	require.ErrorIs(t, err, ErrAppendOutcome)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// reads wait for the abandoned write instead of racing it
	close(j.release)
	last, err := rj.LastSeq(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)
}
