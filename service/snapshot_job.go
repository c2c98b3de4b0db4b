package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/snapshot"
)

// truncater is implemented by journals that can drop records already
// covered by snapshots.
type truncater interface {
	TruncateBefore(marks map[uint64]uint64) (int, error)
}

// SnapshotAll writes a snapshot of every healthy shard, then lets the
// journal drop what the snapshots cover. Failed shards are skipped and
// keep their journal.
func (e *Exchange) SnapshotAll(ctx context.Context) (int, error) {
	if e.cfg.SnapshotDir == "" {
		return 0, nil
	}
	w := &snapshot.Writer{Dir: e.cfg.SnapshotDir}

	marks := make(map[uint64]uint64)
	var errs []error
	for _, s := range e.router.All() {
		st, err := s.Export(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := w.Write(st); err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", s.cfg.inst.Ticker, err))
			continue
		}
		marks[st.InstrumentID] = st.LastSeq
	}

	// Truncate ENTRY journal after snapshot
	if t, ok := e.cfg.Journal.(truncater); ok && len(marks) > 0 {
		removed, err := t.TruncateBefore(marks)
		if err != nil {
			errs = append(errs, fmt.Errorf("truncate journal: %w", err))
		} else if removed > 0 {
			e.log.Debug("journal truncated", zap.Int("segments", removed))
		}
	}
	return len(marks), errors.Join(errs...)
}

// RunSnapshots snapshots every interval until ctx is done.
func (e *Exchange) RunSnapshots(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := e.SnapshotAll(ctx)
			if err != nil && ctx.Err() == nil {
				e.log.Warn("snapshot failed", zap.Error(err))
			}
			e.log.Debug("snapshots written", zap.Int("instruments", n))
		}
	}
}
