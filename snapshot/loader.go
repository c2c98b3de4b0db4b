package snapshot

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads the instrument's snapshot. ok is false when none exists.
func Load(dir string, instrumentID uint64) (s Snapshot, ok bool, err error) {
	if dir == "" {
		return Snapshot{}, false, nil
	}
	f, err := os.Open(filepath.Join(dir, fileName(instrumentID)))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil // snapshot optional
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	defer f.Close()

	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&s); err != nil {
		return Snapshot{}, false, fmt.Errorf("snapshot: decode instrument %d: %w", instrumentID, err)
	}
	if s.Version != formatVersion {
		return Snapshot{}, false, fmt.Errorf("snapshot: instrument %d has format %d", instrumentID, s.Version)
	}
	if s.State.InstrumentID != instrumentID {
		return Snapshot{}, false, fmt.Errorf("snapshot: file for %d holds instrument %d", instrumentID, s.State.InstrumentID)
	}
	return s, true, nil
}
