package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Frame:
// [len:4][crc:4][batch]
// crc covers the batch bytes only.
const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	errTornFrame = errors.New("wal: torn frame")
	errCRC       = errors.New("wal: crc mismatch")
)

func appendFrame(dst, payload []byte) []byte {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.Checksum(payload, castagnoli))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// readFrame returns the next payload and the number of bytes consumed.
// io.EOF means a clean end; errTornFrame and errCRC mark an unusable tail.
func readFrame(r io.Reader) ([]byte, int64, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, classify(err)
	}

	l := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])
	if l > maxFrameSize {
		return nil, 0, errTornFrame
	}

	payload := make([]byte, l)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, 0, errTornFrame
		}
		return nil, 0, classify(err)
	}
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, 0, errCRC
	}
	return payload, int64(frameHeaderSize + l), nil
}

func classify(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errTornFrame
	}
	return err
}
