package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetrics_RecordersAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLedgerEntry("grant")
		m.RecordConsumeRejected("insufficient_balance")
		m.RecordRetestCovered()
		m.RecordStockMovement("transfer")
		m.RecordTransfer("completed")
		m.RecordMappingMoveFailure()
		m.RecordPurchaseReversal("succeeded")
		m.RecordBalanceDrift()
	})
}

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New(nil)
	m.RecordLedgerEntry("consume")
	m.RecordLedgerEntry("consume")
	m.RecordMappingMoveFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `refurb_ledger_entries_total{type="consume"} 2`), body)
	assert.True(t, strings.Contains(body, "refurb_mapping_move_failures_total 1"), body)
}
