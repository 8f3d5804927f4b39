// Package metrics provides Prometheus instrumentation for multiplier runs.
// Batch runs are short-lived, so collected series are pushed to a Pushgateway
// at the end of a run instead of being scraped.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	// ExplorerPages counts explorer pages fetched successfully, by action.
	ExplorerPages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donutmult_explorer_pages_total",
		Help: "Explorer pages fetched",
	}, []string{"action"})

	// LedgerErrors counts failed ledger reads by error kind.
	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donutmult_ledger_errors_total",
		Help: "Failed ledger reads",
	}, []string{"kind"})

	// ChainReads counts contract reads by method and outcome.
	ChainReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donutmult_chain_reads_total",
		Help: "ERC-20 contract reads",
	}, []string{"method", "status"})

	// Evaluations counts wallet evaluations by outcome.
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donutmult_evaluations_total",
		Help: "Wallet evaluations",
	}, []string{"status"})

	// EvaluationDuration tracks per-wallet evaluation latency.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "donutmult_evaluation_duration_seconds",
		Help:    "Wallet evaluation latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// Multipliers records the distribution of computed multipliers.
	Multipliers = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "donutmult_multiplier",
		Help:    "Computed reward multipliers",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
	})
)

// Push sends the default registry to a Pushgateway under the given job name.
func Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	if job == "" {
		job = "donutmult"
	}
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
