// Package metrics holds the prometheus counters for the ledger and stock engines.
//
// Every recording method is safe on a nil *Metrics, so engines can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metrics.
type Metrics struct {
	registry *prometheus.Registry

	LedgerEntries        *prometheus.CounterVec
	ConsumeRejected      *prometheus.CounterVec
	RetestCovered        prometheus.Counter
	StockMovements       *prometheus.CounterVec
	Transfers            *prometheus.CounterVec
	MappingMoveFailures  prometheus.Counter
	PurchaseReversals    *prometheus.CounterVec
	BalanceDriftDetected prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Namespace string
}

// DefaultConfig returns the default namespace.
func DefaultConfig() *Config {
	return &Config{Namespace: "refurb"}
}

// New creates a Metrics instance on its own registry.
func New(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.LedgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "ledger_entries_total",
			Help:      "License ledger entries appended, by transaction type",
		},
		[]string{"type"},
	)
	m.ConsumeRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "consume_rejected_total",
			Help:      "Consumes rejected, by reason",
		},
		[]string{"reason"},
	)
	m.RetestCovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "retest_covered_total",
			Help:      "Test authorizations covered by an active retest window",
		},
	)
	m.StockMovements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "stock_movements_total",
			Help:      "Stock movement rows written, by reference type",
		},
		[]string{"ref_type"},
	)
	m.Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "transfers_total",
			Help:      "Transfer state transitions, by outcome",
		},
		[]string{"outcome"},
	)
	m.MappingMoveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "mapping_move_failures_total",
			Help:      "Device mapping moves that failed after stock movements committed",
		},
	)
	m.PurchaseReversals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "purchase_reversals_total",
			Help:      "Purchase deletions, by outcome",
		},
		[]string{"outcome"},
	)
	m.BalanceDriftDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "balance_drift_detected_total",
			Help:      "Reconciliations where the cached balance disagreed with the ledger",
		},
	)

	registry.MustRegister(
		m.LedgerEntries,
		m.ConsumeRejected,
		m.RetestCovered,
		m.StockMovements,
		m.Transfers,
		m.MappingMoveFailures,
		m.PurchaseReversals,
		m.BalanceDriftDetected,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// RECORDERS
// =============================================================================

func (m *Metrics) RecordLedgerEntry(txType string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(txType).Inc()
}

func (m *Metrics) RecordConsumeRejected(reason string) {
	if m == nil {
		return
	}
	m.ConsumeRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRetestCovered() {
	if m == nil {
		return
	}
	m.RetestCovered.Inc()
}

func (m *Metrics) RecordStockMovement(refType string) {
	if m == nil {
		return
	}
	m.StockMovements.WithLabelValues(refType).Inc()
}

func (m *Metrics) RecordTransfer(outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordMappingMoveFailure() {
	if m == nil {
		return
	}
	m.MappingMoveFailures.Inc()
}

func (m *Metrics) RecordPurchaseReversal(outcome string) {
	if m == nil {
		return
	}
	m.PurchaseReversals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBalanceDrift() {
	if m == nil {
		return
	}
	m.BalanceDriftDetected.Inc()
}
