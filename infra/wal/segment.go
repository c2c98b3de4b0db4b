package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const segmentPattern = "segment-*.wal"

type segment struct {
	index  int
	path   string
	file   *os.File
	offset int64
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d.wal", index))
}

func openSegment(dir string, index int) (*segment, error) {
	path := segmentPath(dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{index: index, path: path, file: f, offset: info.Size()}, nil
}

// append writes b as one unit. A short or failed write is cut back so the
// file never keeps half a frame.
func (s *segment) append(b []byte) error {
	n, err := s.file.Write(b)
	if err != nil || n != len(b) {
		if terr := s.file.Truncate(s.offset); terr != nil {
			return fmt.Errorf("write: %v; truncate: %w", err, terr)
		}
		if err == nil {
			err = fmt.Errorf("short write %d of %d", n, len(b))
		}
		return err
	}
	s.offset += int64(n)
	return nil
}

// truncate drops everything from off onwards.
func (s *segment) truncate(off int64) error {
	if err := s.file.Truncate(off); err != nil {
		return err
	}
	s.offset = off
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// listSegments returns segment indexes in ascending order.
func listSegments(dir string) ([]int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPattern))
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "segment-"), ".wal")
		idx, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	slices.Sort(out)
	return out, nil
}
