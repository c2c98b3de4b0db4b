package snapshot

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
)

type Writer struct {
	Dir string
}

// Write replaces the instrument's snapshot with state.
func (w *Writer) Write(state matching.State) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(w.Dir, fileName(state.InstrumentID))
	tmp, err := os.CreateTemp(w.Dir, fileName(state.InstrumentID)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	s := Snapshot{
		Version: formatVersion,
		Created: time.Now().UTC(),
		State:   state,
	}

	bw := bufio.NewWriter(tmp)
	if err := gob.NewEncoder(bw).Encode(&s); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: encode instrument %d: %w", state.InstrumentID, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(w.Dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
