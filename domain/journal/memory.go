package journal

import (
	"context"
	"iter"
	"sync"
)

// Memory is an in-process Journal. Records are kept already encoded so a
// Memory journal exercises the same codec as the durable backends.
type Memory struct {
	mu      sync.RWMutex
	byInst  map[uint64][][]byte
	last    map[uint64]Record
	fail    error
	closed  bool
	appends int
}

func NewMemory() *Memory {
	return &Memory{
		byInst: make(map[uint64][][]byte),
		last:   make(map[uint64]Record),
	}
}

// SetFailure makes every following Append fail with err until cleared
// with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Appends returns the number of committed batches.
func (m *Memory) Appends() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appends
}

func (m *Memory) Append(ctx context.Context, batch []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(batch); err != nil {
		return err
	}

	encoded := make([][]byte, 0, len(batch))
	for _, r := range batch {
		b, err := MarshalRecord(nil, r)
		if err != nil {
			return err
		}
		encoded = append(encoded, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.fail != nil {
		return m.fail
	}
	inst := batch[0].InstrumentID
	if prev, ok := m.last[inst]; ok && !prev.Before(batch[0]) {
		return ErrOutOfOrder
	}

	m.byInst[inst] = append(m.byInst[inst], encoded...)
	m.last[inst] = batch[len(batch)-1]
	m.appends++
	return nil
}

func (m *Memory) Replay(ctx context.Context, instrumentID, from uint64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.RLock()
		entries := m.byInst[instrumentID]
		m.mu.RUnlock()

		for _, b := range entries {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			rec, err := UnmarshalRecord(b)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if rec.Seq < from {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *Memory) LastSeq(_ context.Context, instrumentID uint64) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last[instrumentID].Seq, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
