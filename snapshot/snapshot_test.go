package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
)

func engineWithOrders(t *testing.T) *matching.Engine {
	t.Helper()
	e := matching.NewEngine(3)
	submit := func(seq uint64, side orderbook.Side, price, qty int64) {
		o := &orderbook.Order{
			ID: "o" + string(rune('a'+seq)), InstrumentID: 3, Account: "acct",
			Side: side, Kind: orderbook.Limit, Price: price, Qty: qty, OriginalQty: qty,
			Seq: seq, Status: orderbook.New, SubmittedAt: journal.Timestamp(int64(seq) * int64(time.Second)),
		}
		_, err := e.Submit(o)
		require.NoError(t, err)
	}
	submit(1, orderbook.Sell, 101, 5)
	submit(2, orderbook.Sell, 101, 3)
	submit(3, orderbook.Buy, 101, 6) // fills 1, partially fills 2
	submit(4, orderbook.Buy, 99, 4)
	return e
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := engineWithOrders(t)

	w := &Writer{Dir: dir}
	require.NoError(t, w.Write(e.Export()))

	s, ok, err := Load(dir, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(4), s.Seq())
	require.Equal(t, e.Export(), s.State)

	restored, err := matching.Restore(s.State)
	require.NoError(t, err)
	require.Equal(t, e.Export(), restored.Export())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestLoadMissing(t *testing.T) {
	_, ok, err := Load(t.TempDir(), 9)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = Load("", 9)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName(5)), []byte("garbage"), 0o644))
	_, _, err := Load(dir, 5)
	require.Error(t, err)
}
