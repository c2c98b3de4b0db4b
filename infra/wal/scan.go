package wal

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
)

// scanSegment decodes every batch in the first limit bytes of path (limit
// < 0 reads to the end). It returns the length of the valid prefix. A torn
// or corrupt tail stops the scan with errTornFrame or errCRC and the valid
// prefix still reported.
func scanSegment(path string, limit int64, fn func([]journal.Record) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit >= 0 {
		r = io.LimitReader(f, limit)
	}
	br := bufio.NewReaderSize(r, 64<<10)

	var valid int64
	for {
		payload, n, err := readFrame(br)
		if err == io.EOF {
			return valid, nil
		}
		if err != nil {
			return valid, err
		}

		batch, err := journal.UnmarshalBatch(payload)
		if err != nil {
			return valid, err
		}
		if err := fn(batch); err != nil {
			return valid, err
		}
		valid += n
	}
}

// maxSeqBySegment scans a segment and returns the highest Seq per
// instrument. It is used ONLY for snapshot-based truncation.
func maxSeqBySegment(path string) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	_, err := scanSegment(path, -1, func(batch []journal.Record) error {
		for _, r := range batch {
			if r.Seq > out[r.InstrumentID] {
				out[r.InstrumentID] = r.Seq
			}
		}
		return nil
	})
	return out, err
}

func unusableTail(err error) bool {
	return errors.Is(err, errTornFrame) || errors.Is(err, errCRC) || errors.Is(err, journal.ErrCorrupt)
}
