// Package snapshot persists per-instrument engine state so a restart can
// replay the journal from the snapshot's sequence number instead of from
// the beginning.
//
// A snapshot is taken by the instrument's own shard goroutine between
// commands, so it is always consistent with a journal position. Files are
// written to a temporary name and renamed into place; a reader sees either
// the previous snapshot or the new one.
package snapshot
