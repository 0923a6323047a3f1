// Package observability holds the Prometheus metrics of the report engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// EngineBatches counts formula batches sent to an engine
	EngineBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_engine_batches_total",
			Help: "Total number of formula batches computed, per engine",
		},
		[]string{"engine", "status"}, // status: success, failed
	)

	// EngineBatchDuration measures one engine batch, store round trip included
	EngineBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reports_engine_batch_duration_seconds",
			Help:    "Engine batch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"engine"},
	)

	// EngineBatchFormulas tracks how many formulas share one batch
	EngineBatchFormulas = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reports_engine_batch_formulas",
			Help:    "Number of formulas per engine batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"engine"},
	)

	// LinesBuilt counts report lines returned to clients
	LinesBuilt = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_lines_built_total",
			Help: "Total number of report lines built",
		},
		[]string{"report", "kind"}, // kind: static, dynamic, groupby, load_more, total, hierarchy
	)

	// ManualValueEdits counts manual edits of external values
	ManualValueEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_manual_value_edits_total",
			Help: "Total number of manual value edits",
		},
		[]string{"status"}, // status: success, rejected, failed
	)

	// CarryoverRecords counts external values written by carryover generation
	CarryoverRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_carryover_records_total",
			Help: "Total number of carryover records written",
		},
		[]string{"kind"}, // kind: company, adjustment
	)

	// HTTPRequests counts API requests by route pattern
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reports_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status"},
	)
)

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
