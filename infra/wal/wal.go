// Package wal is the segmented, file-backed execution journal.
//
// Each Append becomes one CRC-protected frame holding the whole batch, so a
// batch is replayed entirely or not at all. On Open a torn or corrupt tail
// in the newest segment is cut off; anything earlier must be intact.
package wal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/infra/memory"
)

const defaultSegmentSize = 64 << 20

type Config struct {
	Dir         string
	SegmentSize int64
	// NoSync skips fsync after each append. Only for tests and benchmarks.
	NoSync bool
	Logger *zap.Logger
}

type WAL struct {
	mu sync.Mutex

	dir     string
	segSize int64
	noSync  bool
	log     *zap.Logger

	current *segment
	last    map[uint64]journal.Record
	closed  bool
	// broken is set when a failed append could not be cut back out of the
	// active segment; every later append returns it.
	broken error

	bufs *memory.BufferPool

	// replaced in tests to inject faults
	syncFile func(*os.File) error
	openSeg  func(dir string, index int) (*segment, error)
}

var _ journal.Journal = (*WAL)(nil)

func Open(cfg Config) (*WAL, error) {
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{
		dir:     cfg.Dir,
		segSize: cfg.SegmentSize,
		noSync:  cfg.NoSync,
		log:     cfg.Logger.Named("wal"),
		last:    make(map[uint64]journal.Record),
		bufs:    memory.NewBufferPool(4<<10, 1<<20),

		syncFile: (*os.File).Sync,
		openSeg:  openSegment,
	}

	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

// recover scans all segments, truncates a torn tail of the newest one and
// opens it for appending.
func (w *WAL) recover() error {
	indexes, err := listSegments(w.dir)
	if err != nil {
		return err
	}

	track := func(batch []journal.Record) error {
		w.last[batch[0].InstrumentID] = batch[len(batch)-1]
		return nil
	}

	for i, idx := range indexes {
		path := segmentPath(w.dir, idx)
		valid, err := scanSegment(path, -1, track)
		if err == nil {
			continue
		}
		if i != len(indexes)-1 || !unusableTail(err) {
			return fmt.Errorf("wal: segment %s: %w", path, err)
		}

		w.log.Warn("truncating torn tail",
			zap.String("segment", path),
			zap.Int64("valid_bytes", valid),
			zap.Error(err),
		)
		if err := os.Truncate(path, valid); err != nil {
			return err
		}
	}

	next := 0
	if len(indexes) > 0 {
		next = indexes[len(indexes)-1]
	}
	seg, err := w.openSeg(w.dir, next)
	if err != nil {
		return err
	}
	w.current = seg
	return nil
}

// -------------------- Append --------------------

func (w *WAL) Append(ctx context.Context, batch []journal.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := journal.Validate(batch); err != nil {
		return err
	}

	buf := w.bufs.Get()
	defer w.bufs.Put(buf)

	payload, err := journal.MarshalBatch(*buf, batch)
	if err != nil {
		return err
	}
	*buf = payload
	frame := appendFrame(make([]byte, 0, frameHeaderSize+len(payload)), payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return journal.ErrClosed
	}
	if w.broken != nil {
		return w.broken
	}
	inst := batch[0].InstrumentID
	if prev, ok := w.last[inst]; ok && !prev.Before(batch[0]) {
		return fmt.Errorf("%w: instrument %d seq %d after %d", journal.ErrOutOfOrder, inst, batch[0].Seq, prev.Seq)
	}

	start := w.current.offset
	if err := w.current.append(frame); err != nil {
		return err
	}
	if !w.noSync {
		if err := w.syncFile(w.current.file); err != nil {
			// cut the frame back out so a retried append is not replayed twice
			if terr := w.current.truncate(start); terr != nil {
				w.broken = fmt.Errorf("wal: sync: %v; truncate: %w", err, terr)
				w.log.Error("segment left inconsistent", zap.String("segment", w.current.path), zap.Error(w.broken))
				return w.broken
			}
			return fmt.Errorf("wal: sync: %w", err)
		}
	}
	w.last[inst] = batch[len(batch)-1]

	if w.current.offset >= w.segSize {
		// The batch is committed. A failed rotation is retried by the next
		// append, which keeps writing to the oversized segment meanwhile.
		if err := w.rotate(); err != nil {
			w.log.Warn("rotate deferred", zap.String("segment", w.current.path), zap.Error(err))
		}
	}
	return nil
}

// rotate opens the next segment before closing the current one, so a
// failure leaves the current segment usable.
func (w *WAL) rotate() error {
	seg, err := w.openSeg(w.dir, w.current.index+1)
	if err != nil {
		return err
	}
	if err := w.current.close(); err != nil {
		w.log.Warn("closing rotated segment", zap.String("segment", w.current.path), zap.Error(err))
	}
	w.log.Debug("rotated", zap.String("segment", seg.path))
	w.current = seg
	return nil
}

// -------------------- Replay --------------------

func (w *WAL) Replay(ctx context.Context, instrumentID, from uint64) iter.Seq2[journal.Record, error] {
	return func(yield func(journal.Record, error) bool) {
		w.mu.Lock()
		indexes, err := listSegments(w.dir)
		activeIndex, activeSize := w.current.index, w.current.offset
		w.mu.Unlock()
		if err != nil {
			yield(journal.Record{}, err)
			return
		}

		for _, idx := range indexes {
			limit := int64(-1)
			if idx == activeIndex {
				limit = activeSize
			}

			_, err := scanSegment(segmentPath(w.dir, idx), limit, func(batch []journal.Record) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				for _, r := range batch {
					if r.InstrumentID != instrumentID || r.Seq < from {
						continue
					}
					if !yield(r, nil) {
						return errStop
					}
				}
				return nil
			})
			if err == errStop {
				return
			}
			if os.IsNotExist(err) {
				// removed by TruncateBefore after listing
				continue
			}
			if err != nil {
				yield(journal.Record{}, fmt.Errorf("wal: replay segment %d: %w", idx, err))
				return
			}
		}
	}
}

var errStop = errors.New("wal: replay stopped")

func (w *WAL) LastSeq(_ context.Context, instrumentID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last[instrumentID].Seq, nil
}

// -------------------- Truncation --------------------

// TruncateBefore removes closed segments whose every record is covered by
// marks, the per-instrument sequence numbers already captured by
// snapshots. Instruments missing from marks keep their segments.
func (w *WAL) TruncateBefore(marks map[uint64]uint64) (int, error) {
	w.mu.Lock()
	active := w.current.index
	w.mu.Unlock()

	indexes, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, idx := range indexes {
		if idx >= active {
			continue
		}
		path := segmentPath(w.dir, idx)
		maxes, err := maxSeqBySegment(path)
		if err != nil {
			return removed, err
		}
		covered := true
		for inst, seq := range maxes {
			mark, ok := marks[inst]
			if !ok || seq > mark {
				covered = false
				break
			}
		}
		if !covered {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.syncFile(w.current.file); err != nil {
		_ = w.current.close()
		return err
	}
	return w.current.close()
}
