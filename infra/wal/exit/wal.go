// Package exit is the outbox between committed journal batches and the
// broadcaster. Entries survive restarts and move NEW -> SENT -> ACKED;
// ACKED entries are garbage collected.
package exit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/zkim73895/tochka-stock-zhstb/domain/event"
)

// -------------------- State --------------------

type ExitState uint8

const (
	StateNew ExitState = iota
	StateSent
	StateAcked
)

func (s ExitState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// EntryID orders entries exactly like the journal records they came from.
type EntryID struct {
	InstrumentID uint64
	Seq          uint64
	Index        uint32
}

type ExitRecord struct {
	State       ExitState
	Retries     uint32
	LastAttempt int64
	Key         []byte
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][keyLen:2][key][payload]
const recordHeader = 1 + 4 + 8 + 2

func encodeRecord(r ExitRecord) []byte {
	buf := make([]byte, recordHeader, recordHeader+len(r.Key)+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(r.Key)))
	buf = append(buf, r.Key...)
	return append(buf, r.Payload...)
}

func decodeRecord(b []byte) (ExitRecord, error) {
	if len(b) < recordHeader {
		return ExitRecord{}, errors.New("invalid exit record length")
	}
	kl := int(binary.BigEndian.Uint16(b[13:15]))
	if len(b) < recordHeader+kl {
		return ExitRecord{}, errors.New("invalid exit record key length")
	}
	return ExitRecord{
		State:       ExitState(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Key:         append([]byte{}, b[recordHeader:recordHeader+kl]...),
		Payload:     append([]byte{}, b[recordHeader+kl:]...),
	}, nil
}

// -------------------- WAL --------------------

type ExitWAL struct {
	db *pebble.DB
}

func Open(dir string) (*ExitWAL, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // we WANT durability
	})
	if err != nil {
		return nil, err
	}
	return &ExitWAL{db: db}, nil
}

func (w *ExitWAL) Close() error {
	return w.db.Close()
}

// -------------------- API --------------------

// Put stores the events of one committed batch as NEW entries and moves
// the instrument's watermark to seq, atomically.
func (w *ExitWAL) Put(instrumentID, seq uint64, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	b := w.db.NewBatch()
	defer b.Close()

	for _, ev := range events {
		payload, err := ev.Marshal()
		if err != nil {
			return err
		}
		id := EntryID{InstrumentID: ev.InstrumentID, Seq: ev.Seq, Index: ev.Index}
		rec := ExitRecord{State: StateNew, Key: ev.Key(), Payload: payload}
		if err := b.Set(keyFor(id), encodeRecord(rec), nil); err != nil {
			return err
		}
	}
	if err := b.Set(markKey(instrumentID), binary.BigEndian.AppendUint64(nil, seq), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Watermark returns the last sequence number whose events were stored for
// instrumentID.
func (w *ExitWAL) Watermark(instrumentID uint64) (uint64, error) {
	val, closer, err := w.db.Get(markKey(instrumentID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid watermark for instrument %d", instrumentID)
	}
	return binary.BigEndian.Uint64(val), nil
}

// UpdateState updates state after send / ack.
func (w *ExitWAL) UpdateState(id EntryID, state ExitState, retries uint32) error {
	rec, err := w.Get(id)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return w.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync)
}

func (w *ExitWAL) MarkSent(id EntryID, retries uint32) error {
	return w.UpdateState(id, StateSent, retries)
}

func (w *ExitWAL) MarkAcked(id EntryID) error {
	rec, err := w.Get(id)
	if err != nil {
		return err
	}
	return w.UpdateState(id, StateAcked, rec.Retries)
}

// Get returns the current record for an entry.
func (w *ExitWAL) Get(id EntryID) (ExitRecord, error) {
	val, closer, err := w.db.Get(keyFor(id))
	if err != nil {
		return ExitRecord{}, err
	}
	defer closer.Close()

	return decodeRecord(val)
}

// DeleteAcked removes every ACKED entry (cleanup).
func (w *ExitWAL) DeleteAcked() (int, error) {
	b := w.db.NewBatch()
	defer b.Close()

	n := 0
	err := w.scan(func(id EntryID, rec ExitRecord) error {
		if rec.State != StateAcked {
			return nil
		}
		n++
		return b.Delete(keyFor(id), nil)
	})
	if err != nil || n == 0 {
		return 0, err
	}
	return n, b.Commit(pebble.Sync)
}

// -------------------- Scan --------------------

// ScanByState iterates all records in the given state in entry order.
// This is used by the Broadcaster.
func (w *ExitWAL) ScanByState(
	state ExitState,
	fn func(id EntryID, rec ExitRecord) error,
) error {
	return w.scan(func(id EntryID, rec ExitRecord) error {
		if rec.State != state {
			return nil
		}
		return fn(id, rec)
	})
}

// ScanPending iterates NEW and SENT records in entry order.
func (w *ExitWAL) ScanPending(fn func(id EntryID, rec ExitRecord) error) error {
	return w.scan(func(id EntryID, rec ExitRecord) error {
		if rec.State == StateAcked {
			return nil
		}
		return fn(id, rec)
	})
}

// Pending counts entries not yet acknowledged.
func (w *ExitWAL) Pending() (int, error) {
	n := 0
	err := w.ScanPending(func(EntryID, ExitRecord) error {
		n++
		return nil
	})
	return n, err
}

func (w *ExitWAL) scan(fn func(id EntryID, rec ExitRecord) error) error {
	iter, err := w.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entryPrefix),
		UpperBound: []byte(entryUpper),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

const (
	entryPrefix = "evt/"
	entryUpper  = "evt0" // '0' follows '/'
	markPrefix  = "mark/"
)

func keyFor(id EntryID) []byte {
	k := []byte(entryPrefix)
	k = binary.BigEndian.AppendUint64(k, id.InstrumentID)
	k = binary.BigEndian.AppendUint64(k, id.Seq)
	return binary.BigEndian.AppendUint32(k, id.Index)
}

func parseKey(b []byte) (EntryID, error) {
	if len(b) != len(entryPrefix)+20 {
		return EntryID{}, fmt.Errorf("invalid outbox key %x", b)
	}
	b = b[len(entryPrefix):]
	return EntryID{
		InstrumentID: binary.BigEndian.Uint64(b[0:8]),
		Seq:          binary.BigEndian.Uint64(b[8:16]),
		Index:        binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

func markKey(instrumentID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(markPrefix), instrumentID)
}
