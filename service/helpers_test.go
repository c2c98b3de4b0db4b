package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/event"
	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
)

var errDisk = errors.New("disk unavailable")

// genIDs outlives a single exchange so a reopened exchange never reissues
// an id its journal already holds.
var genIDs atomic.Int64

// deterministic clock and ids shared by every shard of a test exchange
func testOptions() []sequence.Option {
	var tick atomic.Int64
	return []sequence.Option{
		sequence.WithClock(func() time.Time {
			return time.Unix(0, tick.Add(int64(time.Millisecond)))
		}),
		sequence.WithIDs(func() string {
			return fmt.Sprintf("gen-%d", genIDs.Add(1))
		}),
	}
}

type env struct {
	journal  journal.Journal
	registry instrument.Registry
	outbox   Outbox
	snapDir  string
	global   bool
	options  []sequence.Option
}

func (v env) open(t *testing.T) *Exchange {
	t.Helper()
	if v.journal == nil {
		v.journal = journal.NewMemory()
	}
	if v.registry == nil {
		v.registry = instrument.NewMemoryRegistry()
	}
	ex := New(Config{
		Journal:         v.journal,
		Registry:        v.registry,
		Outbox:          v.outbox,
		SnapshotDir:     v.snapDir,
		GlobalSequence:  v.global,
		QueueSize:       16,
		AppendTimeout:   time.Second,
		MaxRetries:      1,
		AssignerOptions: append(testOptions(), v.options...),
	})
	require.NoError(t, ex.Start(context.Background()))
	t.Cleanup(ex.Close)
	return ex
}

func limit(side orderbook.Side, price, qty int64) orderbook.Intent {
	return orderbook.Intent{Account: "acct", Side: side, Kind: orderbook.Limit, Price: price, Qty: qty}
}

func market(side orderbook.Side, qty int64) orderbook.Intent {
	return orderbook.Intent{Account: "acct", Side: side, Kind: orderbook.Market, Qty: qty}
}

// flakyJournal fails appends of derived batches (Index > 0) while set.
type flakyJournal struct {
	*journal.Memory
	failDerived atomic.Bool
}

func (j *flakyJournal) Append(ctx context.Context, batch []journal.Record) error {
	if len(batch) > 0 && batch[0].Index > 0 && j.failDerived.Load() {
		return errDisk
	}
	return j.Memory.Append(ctx, batch)
}

// memOutbox is an in-memory Outbox.
type memOutbox struct {
	mu     sync.Mutex
	events []event.Event
	marks  map[uint64]uint64
	fail   error
}

func newMemOutbox() *memOutbox {
	return &memOutbox{marks: make(map[uint64]uint64)}
}

func (o *memOutbox) Put(inst, seq uint64, events []event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	if len(events) == 0 {
		return nil
	}
	o.events = append(o.events, events...)
	o.marks[inst] = seq
	return nil
}

func (o *memOutbox) Watermark(inst uint64) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.marks[inst], nil
}

func (o *memOutbox) setFailure(err error) {
	o.mu.Lock()
	o.fail = err
	o.mu.Unlock()
}

func (o *memOutbox) ids() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.ID())
	}
	return out
}

func journaled(t *testing.T, j journal.Journal, inst uint64) []journal.Record {
	t.Helper()
	recs, err := journal.Collect(j.Replay(context.Background(), inst, 0))
	require.NoError(t, err)
	return recs
}
