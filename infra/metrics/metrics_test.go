package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.OrderAccepted("MEMCOIN")
	m.OrderAccepted("MEMCOIN")
	m.OrderRejected("validation")
	m.Trade("MEMCOIN", 7)
	m.JournalAppend(3 * time.Millisecond)
	m.OutboxPending(4)

	require.Equal(t, 2.0, testutil.ToFloat64(m.ordersAccepted.WithLabelValues("MEMCOIN")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ordersRejected.WithLabelValues("validation")))
	require.Equal(t, 7.0, testutil.ToFloat64(m.tradedQty.WithLabelValues("MEMCOIN")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.outboxPending))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "exchange_trades_total"))
	require.True(t, strings.Contains(string(body), "exchange_journal_append_seconds_bucket"))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.OrderAccepted("X")
	m.Trade("X", 1)
	m.ShardFailed("X")
	require.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}
