package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
	"github.com/zkim73895/tochka-stock-zhstb/infra/wal"
)

func TestSubmitMatchesAndReportsDepth(t *testing.T) {
	ctx := context.Background()
	ex := env{}.open(t)

	inst, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)
	require.Equal(t, uint64(1), inst.ID)

	sell, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 100, 10))
	require.NoError(t, err)
	require.Equal(t, orderbook.New, sell.Status)
	require.Equal(t, uint64(1), sell.Order.Seq)
	require.Equal(t, inst.ID, sell.Order.InstrumentID)

	buy, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 101, 4))
	require.NoError(t, err)
	require.Equal(t, orderbook.Filled, buy.Status)
	require.Len(t, buy.Trades, 1)
	require.Equal(t, int64(100), buy.Trades[0].Price)
	require.Equal(t, sell.Order.ID, buy.Trades[0].SellOrderID)

	book, err := ex.Depth(ctx, "MEMCOIN", 5)
	require.NoError(t, err)
	require.Empty(t, book.Bids)
	require.Equal(t, []orderbook.LevelView{{Price: 100, Qty: 6, Orders: 1}}, book.Asks)
	require.Equal(t, uint64(2), book.LastSeq)

	o, err := ex.Order(ctx, "MEMCOIN", sell.Order.ID)
	require.NoError(t, err)
	require.Equal(t, orderbook.PartiallyFilled, o.Status)
	require.Equal(t, int64(6), o.Qty)
}

func TestOrdersByAccountAcrossInstruments(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	reg := instrument.NewMemoryRegistry()
	ex := env{journal: j, registry: reg}.open(t)
	for _, ticker := range []string{"AAA", "BBB"} {
		_, err := ex.RegisterInstrument(ctx, ticker, ticker)
		require.NoError(t, err)
	}

	place := func(ticker, account string, in orderbook.Intent) string {
		in.Account = account
		res, err := ex.Submit(ctx, ticker, in)
		require.NoError(t, err)
		return res.Order.ID
	}
	b1 := place("BBB", "alice", limit(orderbook.Sell, 10, 2))
	place("AAA", "bob", limit(orderbook.Sell, 20, 1))
	a1 := place("AAA", "alice", limit(orderbook.Buy, 20, 1))
	a2 := place("AAA", "alice", limit(orderbook.Buy, 15, 3))

	got, err := ex.OrdersByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, AccountOrder{Ticker: "AAA", Order: got[0].Order}, got[0])
	require.Equal(t, []string{a1, a2, b1}, []string{got[0].Order.ID, got[1].Order.ID, got[2].Order.ID})
	require.Equal(t, orderbook.Filled, got[0].Order.Status)
	require.Equal(t, "BBB", got[2].Ticker)

	none, err := ex.OrdersByAccount(ctx, "carol")
	require.NoError(t, err)
	require.Empty(t, none)

	ex.Close()
	again := env{journal: j, registry: reg}.open(t)
	replayed, err := again.OrdersByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, got, replayed)
}

func TestUnknownInstrument(t *testing.T) {
	ex := env{}.open(t)
	_, err := ex.Submit(context.Background(), "NOPE", market(orderbook.Buy, 1))
	require.ErrorIs(t, err, instrument.ErrNotFound)
	require.Equal(t, "instrument_not_found", Reason(err))
}

func TestReasonOfStoppedShard(t *testing.T) {
	stopped := fmt.Errorf("%w: MEMCOIN: %w", ErrShardFailed, &orderbook.ValidationError{Field: "order_id"})
	require.Equal(t, "shard_failed", Reason(stopped))
	require.Equal(t, "validation", Reason(&orderbook.ValidationError{Field: "qty"}))
}

func TestRejectedCommandsConsumeNoSequence(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	ex := env{journal: j}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	_, err = ex.Submit(ctx, "MEMCOIN", orderbook.Intent{Side: orderbook.Buy, Kind: orderbook.Limit, Qty: 1})
	var ve *orderbook.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = ex.Cancel(ctx, "MEMCOIN", "missing")
	require.ErrorIs(t, err, orderbook.ErrNotFound)
	require.Zero(t, j.Appends())

	first := limit(orderbook.Buy, 90, 1)
	first.OrderID = "client-1"
	res, err := ex.Submit(ctx, "MEMCOIN", first)
	require.NoError(t, err)
	require.Equal(t, "client-1", res.Order.ID)

	_, err = ex.Submit(ctx, "MEMCOIN", first)
	require.ErrorAs(t, err, &ve, "duplicate id rejected before journaling")
	require.Equal(t, 1, j.Appends())

	cr, err := ex.Cancel(ctx, "MEMCOIN", "client-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), cr.Records[0].Seq, "accepted cancel takes the next number")
	require.Equal(t, orderbook.Cancelled, cr.Order.Status)

	_, err = ex.Cancel(ctx, "MEMCOIN", "client-1")
	var te *orderbook.OrderTerminalError
	require.ErrorAs(t, err, &te)
	require.Equal(t, orderbook.Cancelled, te.Status)

	next, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 110, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), next.Order.Seq)
}

func TestGeneratedDuplicateIDRejectedBeforeJournal(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	reg := instrument.NewMemoryRegistry()
	same := []sequence.Option{sequence.WithIDs(func() string { return "same" })}
	ex := env{journal: j, registry: reg, options: same}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 90, 1))
	require.NoError(t, err)

	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 91, 1))
	var ve *orderbook.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "order_id", ve.Field)
	require.NotErrorIs(t, err, ErrShardFailed)
	require.Equal(t, 1, j.Appends(), "the rejected order never reaches the journal")
	require.Empty(t, ex.Failures())

	require.NoError(t, ex.Recover(ctx, "MEMCOIN"))
	ex.Close()

	again := env{journal: j, registry: reg}.open(t)
	o, err := again.Order(ctx, "MEMCOIN", "same")
	require.NoError(t, err)
	require.Equal(t, int64(90), o.Price)
}

func TestScenarioDThroughService(t *testing.T) {
	ctx := context.Background()
	ex := env{}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	sell, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 50, 3))
	require.NoError(t, err)
	_, err = ex.Submit(ctx, "MEMCOIN", market(orderbook.Buy, 3))
	require.NoError(t, err)

	_, err = ex.Cancel(ctx, "MEMCOIN", sell.Order.ID)
	var te *orderbook.OrderTerminalError
	require.ErrorAs(t, err, &te)
	require.Equal(t, orderbook.Filled, te.Status)
}

func TestAcceptanceJournalFailureStopsShard(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	ex := env{journal: j}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)
	_, err = ex.RegisterInstrument(ctx, "Other", "OTHER")
	require.NoError(t, err)

	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 100, 5))
	require.NoError(t, err)

	j.SetFailure(errDisk)
	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 100, 1))
	var wf *journal.WriteFailure
	require.ErrorAs(t, err, &wf)
	require.Equal(t, uint64(2), wf.Seq)
	require.ErrorIs(t, err, errDisk)
	j.SetFailure(nil)

	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 100, 1))
	require.ErrorIs(t, err, ErrShardFailed)
	_, err = ex.Depth(ctx, "MEMCOIN", 1)
	require.ErrorIs(t, err, ErrShardFailed)
	require.Contains(t, ex.Failures(), "MEMCOIN")

	_, err = ex.Submit(ctx, "OTHER", limit(orderbook.Buy, 1, 1))
	require.NoError(t, err, "other instruments keep trading")

	require.NoError(t, ex.Recover(ctx, "MEMCOIN"))
	require.Empty(t, ex.Failures())

	res, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Buy, 100, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Order.Seq, "failed number was rolled back")
	require.Len(t, res.Trades, 1)
}

func TestMatchBatchFailureRepairedOnRecover(t *testing.T) {
	ctx := context.Background()
	j := &flakyJournal{Memory: journal.NewMemory()}
	out := newMemOutbox()
	ex := env{journal: j, outbox: out}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	sell, err := ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 100, 5))
	require.NoError(t, err)

	j.failDerived.Store(true)
	buy := limit(orderbook.Buy, 100, 5)
	buy.OrderID = "buyer"
	_, err = ex.Submit(ctx, "MEMCOIN", buy)
	var wf *journal.WriteFailure
	require.ErrorAs(t, err, &wf)
	require.Len(t, journaled(t, j, 1), 2, "both acceptances, no trade")
	require.Empty(t, out.ids())

	j.failDerived.Store(false)
	require.NoError(t, ex.Recover(ctx, "MEMCOIN"))

	recs := journaled(t, j, 1)
	require.Len(t, recs, 5)
	require.Equal(t, journal.KindTradeExecuted, recs[2].Kind())

	o, err := ex.Order(ctx, "MEMCOIN", "buyer")
	require.NoError(t, err)
	require.Equal(t, orderbook.Filled, o.Status)
	o, err = ex.Order(ctx, "MEMCOIN", sell.Order.ID)
	require.NoError(t, err)
	require.Equal(t, orderbook.Filled, o.Status)

	require.Equal(t, []string{"1/2/1", "1/2/2", "1/2/3"}, out.ids(), "trade and both FILLED events re-derived")
}

func TestOutboxFailureStopsShardAfterCommit(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	out := newMemOutbox()
	ex := env{journal: j, outbox: out}.open(t)
	_, err := ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	_, err = ex.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 10, 1))
	require.NoError(t, err)

	out.setFailure(errDisk)
	res, err := ex.Submit(ctx, "MEMCOIN", market(orderbook.Buy, 1))
	require.NoError(t, err, "the trade is committed")
	require.Len(t, res.Trades, 1)

	_, err = ex.Submit(ctx, "MEMCOIN", market(orderbook.Buy, 1))
	require.ErrorIs(t, err, ErrShardFailed)

	out.setFailure(nil)
	require.NoError(t, ex.Recover(ctx, "MEMCOIN"))
	require.Equal(t, []string{"1/2/1", "1/2/2", "1/2/3"}, out.ids())
}

func TestRestartReplaysIdenticalState(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	reg := instrument.NewMemoryRegistry()

	ex := env{journal: j, registry: reg}.open(t)
	for _, ticker := range []string{"AAA", "BBB"} {
		_, err := ex.RegisterInstrument(ctx, ticker, ticker)
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewSource(7))
	var live []string
	for i := 0; i < 400; i++ {
		ticker := []string{"AAA", "BBB"}[rng.Intn(2)]
		if len(live) > 0 && rng.Intn(5) == 0 {
			_, _ = ex.Cancel(ctx, ticker, live[rng.Intn(len(live))])
			continue
		}
		side := orderbook.Side(rng.Intn(2) + 1)
		in := limit(side, int64(95+rng.Intn(10)), int64(1+rng.Intn(20)))
		if rng.Intn(6) == 0 {
			in = market(side, int64(1+rng.Intn(30)))
		}
		res, err := ex.Submit(ctx, ticker, in)
		require.NoError(t, err)
		live = append(live, res.Order.ID)
	}

	before := exportAll(t, ex)
	ex.Close()

	again := env{journal: j, registry: reg}.open(t)
	require.Equal(t, before, exportAll(t, again))
}

func TestConcurrentInstrumentsStayGapFree(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	ex := env{journal: j}.open(t)

	tickers := []string{"AAA", "BBB", "CCC", "DDD"}
	for _, ticker := range tickers {
		_, err := ex.RegisterInstrument(ctx, ticker, ticker)
		require.NoError(t, err)
	}

	const perWorker = 100
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ticker := tickers[(w+i)%len(tickers)]
				side := orderbook.Side(i%2 + 1)
				if _, err := ex.Submit(ctx, ticker, limit(side, int64(100+i%3), 1)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for id := uint64(1); id <= uint64(len(tickers)); id++ {
		var want uint64 = 1
		for _, r := range journaled(t, j, id) {
			if r.Index == 0 {
				require.Equal(t, want, r.Seq, "instrument %d", id)
				want++
				total++
			}
		}
	}
	require.Equal(t, 8*perWorker, total)

	for _, st := range exportAll(t, ex) {
		e, err := matching.Restore(st)
		require.NoError(t, err)
		require.False(t, e.Book().Crossed())
	}
}

func TestGlobalSequenceIsExchangeWide(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	reg := instrument.NewMemoryRegistry()
	ex := env{journal: j, registry: reg, global: true}.open(t)
	for _, ticker := range []string{"AAA", "BBB"} {
		_, err := ex.RegisterInstrument(ctx, ticker, ticker)
		require.NoError(t, err)
	}

	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		res, err := ex.Submit(ctx, []string{"AAA", "BBB"}[i%2], limit(orderbook.Buy, 10, 1))
		require.NoError(t, err)
		require.False(t, seen[res.Order.Seq])
		seen[res.Order.Seq] = true
	}
	require.Len(t, seen, 10)
	ex.Close()

	again := env{journal: j, registry: reg, global: true}.open(t)
	res, err := again.Submit(ctx, "AAA", limit(orderbook.Buy, 10, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(11), res.Order.Seq, "resumes above every instrument")
}

func TestSnapshotThenReplayFromWAL(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := wal.Open(wal.Config{Dir: dir + "/journal", SegmentSize: 512, NoSync: true})
	require.NoError(t, err)
	reg := instrument.NewMemoryRegistry()
	snapDir := dir + "/snapshots"

	ex := env{journal: w, registry: reg, snapDir: snapDir}.open(t)
	_, err = ex.RegisterInstrument(ctx, "Memcoin", "MEMCOIN")
	require.NoError(t, err)

	submitN := func(ex *Exchange, n int) {
		for i := 0; i < n; i++ {
			side := orderbook.Side(i%2 + 1)
			_, err := ex.Submit(ctx, "MEMCOIN", limit(side, int64(100+i%4), int64(1+i%3)))
			require.NoError(t, err)
		}
	}
	submitN(ex, 40)

	n, err := ex.SnapshotAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	submitN(ex, 15)
	before := exportAll(t, ex)
	ex.Close()
	require.NoError(t, w.Close())

	w, err = wal.Open(wal.Config{Dir: dir + "/journal", SegmentSize: 512, NoSync: true})
	require.NoError(t, err)
	defer w.Close()

	again := env{journal: w, registry: reg, snapDir: snapDir}.open(t)
	require.Equal(t, before, exportAll(t, again))

	res, err := again.Submit(ctx, "MEMCOIN", limit(orderbook.Sell, 500, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(56), res.Order.Seq)
}

func exportAll(t *testing.T, ex *Exchange) map[string]matching.State {
	t.Helper()
	out := make(map[string]matching.State)
	for _, s := range ex.router.All() {
		st, err := s.Export(context.Background())
		require.NoError(t, err)
		out[s.Instrument().Ticker] = st
	}
	return out
}
