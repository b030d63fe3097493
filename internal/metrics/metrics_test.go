package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.LedgerOp("debit", "applied")
	m.LedgerOp("debit", "applied")
	m.LedgerOp("debit", "insufficient")
	m.SessionFinished("committed", 200*time.Millisecond)
	m.Fragment()
	m.Webhook("duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LedgerOps.WithLabelValues("debit", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOps.WithLabelValues("debit", "insufficient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fragments))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Webhooks.WithLabelValues("duplicate")))

	n, err := testutil.GatherAndCount(reg, "tollgate_session_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.LedgerOp("credit", "applied")
	m.SessionFinished("refunded", time.Second)
	m.Fragment()
	m.Webhook("ignored")
}
