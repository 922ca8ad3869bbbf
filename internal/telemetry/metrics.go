package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SweepsEmitted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_sweeps_emitted_total", Help: "Scheduler sweeps whose trigger jobs were enqueued"}, []string{"sweep"})
	SweepsSkipped     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_sweeps_skipped_total", Help: "Due sweeps skipped because the router was unavailable"}, []string{"sweep"})
	JobsEnqueued      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_jobs_enqueued_total", Help: "Jobs accepted by the router"}, []string{"queue"})
	JobsDeduplicated  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_jobs_deduplicated_total", Help: "Enqueues dropped because an equal job was pending"}, []string{"queue"})
	StageOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_stage_outcomes_total", Help: "Handler outcomes per queue"}, []string{"queue", "outcome"})
	TerminalItems     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_items_terminal_total", Help: "Items reaching a terminal stage"}, []string{"stage"})
	BudgetDecisions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_budget_decisions_total", Help: "Budget gate decisions"}, []string{"decision"})
	RateLimitRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tender_rate_limit_rejects_total", Help: "Fetches deferred by the per-source rate limiter"}, []string{"source"})
	DeadLettered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tender_dead_letter_total", Help: "Sweep jobs moved to the DLQ after exhausting retries"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tender_queue_depth", Help: "Ready jobs per queue"}, []string{"queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tender_jobs_inflight", Help: "Jobs currently leased by workers"})
	AnalyzerCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "tender_analyzer_cache_hits_total", Help: "Analyses served from cache"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SweepsEmitted,
			SweepsSkipped,
			JobsEnqueued,
			JobsDeduplicated,
			StageOutcomes,
			TerminalItems,
			BudgetDecisions,
			RateLimitRejects,
			DeadLettered,
			QueueDepthGauge,
			InFlightGauge,
			AnalyzerCacheHits,
		)
	})
	return promhttp.Handler()
}
