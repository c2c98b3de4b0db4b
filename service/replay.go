package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/event"
	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/snapshot"
)

type ReplayOptions struct {
	// SnapshotDir, when set, is searched for a snapshot to start from.
	SnapshotDir string

	// Outbox, when set, receives the events of every command above its
	// watermark.
	Outbox Outbox

	Log *zap.Logger
}

type ReplayStats struct {
	SnapshotSeq uint64 // 0 when replay started from an empty engine
	Commands    int
	LastSeq     uint64
	Repaired    bool
	Requeued    int
}

/*
ReplayInstrument rebuilds an instrument's engine from its snapshot and
journal.

Records are grouped by sequence number. The command record of each group
(Index 0) is folded through Engine.Apply, and the records it derives must
equal the ones journaled after it. The only tolerated difference is a
missing derived batch on the very last command: the process stopped
between journaling the acceptance and journaling its trades. That batch is
appended now, so the journal is complete again when replay returns.

IMPORTANT: this MUST run before the instrument accepts traffic.
*/
func ReplayInstrument(
	ctx context.Context,
	j journal.Journal,
	inst instrument.Instrument,
	opts ReplayOptions,
) (*matching.Engine, ReplayStats, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	var stats ReplayStats

	eng := matching.NewEngine(inst.ID)
	snap, ok, err := snapshot.Load(opts.SnapshotDir, inst.ID)
	if err != nil {
		return nil, stats, err
	}
	if ok {
		eng, err = matching.Restore(snap.State)
		if err != nil {
			return nil, stats, err
		}
		stats.SnapshotSeq = snap.Seq()
	}

	var mark uint64
	if opts.Outbox != nil {
		if mark, err = opts.Outbox.Watermark(inst.ID); err != nil {
			return nil, stats, fmt.Errorf("replay %s: outbox watermark: %w", inst.Ticker, err)
		}
	}

	fold := func(group []journal.Record, last bool) error {
		head := group[0]
		if head.Index != 0 {
			return fmt.Errorf("%w: seq %d starts at index %d", matching.ErrReplayDivergence, head.Seq, head.Index)
		}

		derived, err := eng.Apply(head)
		if err != nil {
			return fmt.Errorf("apply seq %d: %w", head.Seq, err)
		}

		journaled := group[1:]
		full := group
		if len(journaled) == 0 && len(derived) > 0 && last {
			if err := j.Append(ctx, derived); err != nil {
				return &journal.WriteFailure{InstrumentID: inst.ID, Seq: head.Seq, Err: err}
			}
			log.Warn("repaired missing match batch",
				zap.String("ticker", inst.Ticker),
				zap.Uint64("seq", head.Seq),
				zap.Int("records", len(derived)),
			)
			stats.Repaired = true
			full = append(group, derived...)
		} else if err := matching.Verify(derived, journaled); err != nil {
			return err
		}

		stats.Commands++
		if opts.Outbox != nil && head.Seq > mark {
			events := event.FromRecords(inst.Ticker, full)
			if err := opts.Outbox.Put(inst.ID, head.Seq, events); err != nil {
				return fmt.Errorf("outbox seq %d: %w", head.Seq, err)
			}
			stats.Requeued += len(events)
		}
		return nil
	}

	var group []journal.Record
	for rec, err := range j.Replay(ctx, inst.ID, eng.LastSeq()+1) {
		if err != nil {
			return nil, stats, fmt.Errorf("replay %s: %w", inst.Ticker, err)
		}
		if len(group) > 0 && rec.Seq != group[0].Seq {
			if err := fold(group, false); err != nil {
				return nil, stats, fmt.Errorf("replay %s: %w", inst.Ticker, err)
			}
			group = group[:0]
		}
		group = append(group, rec)
	}
	if len(group) > 0 {
		if err := fold(group, true); err != nil {
			return nil, stats, fmt.Errorf("replay %s: %w", inst.Ticker, err)
		}
	}

	stats.LastSeq = eng.LastSeq()
	log.Info("replay completed",
		zap.String("ticker", inst.Ticker),
		zap.Uint64("snapshot_seq", stats.SnapshotSeq),
		zap.Int("commands", stats.Commands),
		zap.Uint64("last_seq", stats.LastSeq),
		zap.Int("requeued_events", stats.Requeued),
	)
	return eng, stats, nil
}
