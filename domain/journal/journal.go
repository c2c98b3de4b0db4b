// Package journal defines the append-only execution journal: the record
// model, its wire codec, and the Journal contract every backend honours.
//
// A journal is the source of truth. Engine state is a deterministic fold
// over Replay, so anything not journaled did not happen.
package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	ErrEmptyBatch = errors.New("journal: empty batch")
	ErrOutOfOrder = errors.New("journal: record out of order")
	ErrCorrupt    = errors.New("journal: corrupt record")
	ErrClosed     = errors.New("journal: closed")
)

// Journal is the persistence boundary of a shard.
type Journal interface {
	// Append durably writes batch as one atomic unit: after a crash the
	// whole batch is replayed or none of it is.
	Append(ctx context.Context, batch []Record) error

	// Replay yields the records of instrumentID with Seq >= from in
	// journal order. The sequence is lazy, finite and can be ranged over
	// again.
	Replay(ctx context.Context, instrumentID, from uint64) iter.Seq2[Record, error]

	// LastSeq returns the highest journaled Seq of instrumentID, 0 if none.
	LastSeq(ctx context.Context, instrumentID uint64) (uint64, error)

	Close() error
}

// WriteFailure is returned when a batch could not be made durable. It is
// fatal to the owning shard.
type WriteFailure struct {
	InstrumentID uint64
	Seq          uint64
	Err          error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("journal write failed (instrument=%d seq=%d): %v", e.InstrumentID, e.Seq, e.Err)
}

func (e *WriteFailure) Unwrap() error { return e.Err }

// Validate checks that batch is non-empty, belongs to one instrument and is
// in strictly increasing (Seq, Index) order.
func Validate(batch []Record) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].InstrumentID != batch[0].InstrumentID {
			return fmt.Errorf("%w: batch mixes instruments %d and %d",
				ErrOutOfOrder, batch[0].InstrumentID, batch[i].InstrumentID)
		}
		if !batch[i-1].Before(batch[i]) {
			return fmt.Errorf("%w: (%d,%d) after (%d,%d)", ErrOutOfOrder,
				batch[i].Seq, batch[i].Index, batch[i-1].Seq, batch[i-1].Index)
		}
	}
	return nil
}

// Collect drains a replay into a slice. Meant for tests and small tools.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
