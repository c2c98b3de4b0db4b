package snapshot

import (
	"fmt"
	"time"

	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
)

const formatVersion = 1

type Snapshot struct {
	Version int
	Created time.Time
	State   matching.State
}

// Seq is the journal position the snapshot covers.
func (s Snapshot) Seq() uint64 { return s.State.LastSeq }

func fileName(instrumentID uint64) string {
	return fmt.Sprintf("instrument-%d.snap", instrumentID)
}
