// Package metrics records pipeline run metrics in a Prometheus registry and
// writes them in the node_exporter textfile format at the end of a run.
//
// Registers, under the configured namespace:
//
//	#<ns>_candles_total{product,stage}
//	#<ns>_rejections_total{product,reason}
//	#<ns>_runs_total{outcome}
//	#<ns>_run_duration_seconds
//	#<ns>_last_success_timestamp_seconds
//	#<ns>_stored_rows{product}
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// DefaultNamespace prefixes metric names when none is configured.
const DefaultNamespace = "candle_etl"

// Stage labels for the candles counter.
const (
	StageFetched   = "fetched"
	StageValidated = "validated"
	StageRejected  = "rejected"
	StageUpserted  = "upserted"
)

// RunMetrics holds the metrics of one process.
type RunMetrics struct {
	registry    *prometheus.Registry
	candles     *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Gauge
	lastSuccess prometheus.Gauge
	storedRows  *prometheus.GaugeVec
	now         func() time.Time
}

// NewRunMetrics creates metrics registered on a private registry.
func NewRunMetrics(namespace string) *RunMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		candles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candles_total",
				Help:      "Candles seen per product and pipeline stage",
			},
			[]string{"product", "stage"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Rejected raw candles per product and reason",
			},
			[]string{"product", "reason"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the last successful run finished",
		}),
		storedRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_rows",
				Help:      "Rows stored per product after the last run",
			},
			[]string{"product"},
		),
		now: time.Now,
	}

	m.registry.MustRegister(m.candles, m.rejections, m.runs, m.runDuration, m.lastSuccess, m.storedRows)
	return m
}

// Registry exposes the underlying registry.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordProduct adds one product's counts.
func (m *RunMetrics) RecordProduct(product string, fetched, validated, rejected, upserted int64, rejections map[models.RejectionReason]int) {
	m.candles.WithLabelValues(product, StageFetched).Add(float64(fetched))
	m.candles.WithLabelValues(product, StageValidated).Add(float64(validated))
	m.candles.WithLabelValues(product, StageRejected).Add(float64(rejected))
	m.candles.WithLabelValues(product, StageUpserted).Add(float64(upserted))
	for reason, n := range rejections {
		m.rejections.WithLabelValues(product, string(reason)).Add(float64(n))
	}
}

// RecordRun records a finished run.
func (m *RunMetrics) RecordRun(duration time.Duration, err error) {
	m.runDuration.Set(duration.Seconds())
	if err != nil {
		m.runs.WithLabelValues("failure").Inc()
		return
	}
	m.runs.WithLabelValues("success").Inc()
	m.lastSuccess.Set(float64(m.now().Unix()))
}

// RecordRowCounts sets the stored row gauge per product.
func (m *RunMetrics) RecordRowCounts(counts map[string]int64) {
	for product, n := range counts {
		m.storedRows.WithLabelValues(product).Set(float64(n))
	}
}

// WriteTextfile writes the registry to path atomically.
func (m *RunMetrics) WriteTextfile(path string) error {
	if path == "" {
		return fmt.Errorf("metrics textfile path is empty")
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
