// Package kv is the pebble-backed execution journal. Each record is one
// key, ordered by instrument, sequence number and index; a batch is one
// pebble batch committed with Sync.
package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
)

// keys: j/<instrument:8><seq:8><index:4>, all big-endian
const keyPrefix = "j/"

type Journal struct {
	db *pebble.DB

	mu   sync.Mutex
	last map[uint64]journal.Record
}

var _ journal.Journal = (*Journal)(nil)

func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, last: make(map[uint64]journal.Record)}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Append(ctx context.Context, batch []journal.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := journal.Validate(batch); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	inst := batch[0].InstrumentID
	prev, err := j.lastLocked(inst)
	if err != nil {
		return err
	}
	if prev.Payload != nil && !prev.Before(batch[0]) {
		return fmt.Errorf("%w: instrument %d seq %d after %d", journal.ErrOutOfOrder, inst, batch[0].Seq, prev.Seq)
	}

	b := j.db.NewBatch()
	defer b.Close()
	for _, r := range batch {
		val, err := journal.MarshalRecord(nil, r)
		if err != nil {
			return err
		}
		if err := b.Set(recordKey(r.InstrumentID, r.Seq, r.Index), val, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}

	j.last[inst] = batch[len(batch)-1]
	return nil
}

func (j *Journal) Replay(ctx context.Context, instrumentID, from uint64) iter.Seq2[journal.Record, error] {
	return func(yield func(journal.Record, error) bool) {
		prefix := instrumentPrefix(instrumentID)
		it, err := j.db.NewIter(&pebble.IterOptions{
			LowerBound: binary.BigEndian.AppendUint64(append([]byte{}, prefix...), from),
			UpperBound: keyUpperBound(prefix),
		})
		if err != nil {
			yield(journal.Record{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				yield(journal.Record{}, err)
				return
			}
			rec, err := journal.UnmarshalRecord(it.Value())
			if err != nil {
				yield(journal.Record{}, fmt.Errorf("kv: key %x: %w", it.Key(), err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(journal.Record{}, err)
		}
	}
}

func (j *Journal) LastSeq(_ context.Context, instrumentID uint64) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, err := j.lastLocked(instrumentID)
	return rec.Seq, err
}

func (j *Journal) lastLocked(inst uint64) (journal.Record, error) {
	if rec, ok := j.last[inst]; ok {
		return rec, nil
	}

	prefix := instrumentPrefix(inst)
	it, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return journal.Record{}, err
	}
	defer it.Close()

	if !it.Last() {
		return journal.Record{}, it.Error()
	}
	rec, err := journal.UnmarshalRecord(it.Value())
	if err != nil {
		return journal.Record{}, err
	}
	j.last[inst] = rec
	return rec, nil
}

// -------------------- Helpers --------------------

func instrumentPrefix(inst uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(keyPrefix), inst)
}

func recordKey(inst, seq uint64, index uint32) []byte {
	k := instrumentPrefix(inst)
	k = binary.BigEndian.AppendUint64(k, seq)
	return binary.BigEndian.AppendUint32(k, index)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
