// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warehouse_engine_build_info",
			Help: "Build information of the warehouse engine",
		},
		[]string{"version", "commit"},
	)

	BatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_batch_runs_total",
			Help: "Total number of batch runs",
		},
		[]string{"status"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warehouse_engine_batch_duration_seconds",
			Help:    "Duration of batch runs",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		},
	)

	// MergeDecisionsTotal counts dimension records by merge decision.
	MergeDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_merge_decisions_total",
			Help: "Total number of dimension records by merge decision",
		},
		[]string{"kind", "decision"},
	)

	FactsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_facts_loaded_total",
			Help: "Total number of fact rows by outcome",
		},
		[]string{"table", "outcome"},
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_rejections_total",
			Help: "Total number of rejected records by reason",
		},
		[]string{"record_kind", "reason"},
	)

	SupersessionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warehouse_engine_supersession_conflicts_total",
			Help: "Total number of compare-and-swap conflicts on current versions",
		},
	)

	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_sink_writes_total",
			Help: "Total number of sink flushes",
		},
		[]string{"status"},
	)

	SinkRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warehouse_engine_sink_rows_total",
			Help: "Total number of rows written to the sink",
		},
		[]string{"type"},
	)
)
