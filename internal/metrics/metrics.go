// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cihealer"

var (
	// jobsTotal counts finished background jobs.
	// Labels: type (classify, analyze, refine, create_pr, verify_build, create_bug), status (completed, failed)
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "jobs_total",
		Help:      "Background jobs finished, by type and final status",
	}, []string{"type", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "job_duration_seconds",
		Help:      "Background job wall time in seconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 900, 2700},
	}, []string{"type"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "approval",
		Name:      "decisions_total",
		Help:      "Approval gate decisions by action",
	}, []string{"action"})

	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analysis",
		Name:      "feedback_total",
		Help:      "Analysis feedback submissions by type",
	}, []string{"type"})

	stageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_transitions_total",
		Help:      "Fix pipeline stage entries by stage and status",
	}, []string{"stage", "status"})

	// externalCalls measures calls into classifier, analysis engine, code host and tracker.
	// Labels: adapter, operation, outcome (ok, error)
	externalCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "call_duration_seconds",
		Help:      "External adapter call latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"adapter", "operation", "outcome"})

	httpRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func ObserveJob(jobType, status string, d time.Duration) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
	jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func RecordDecision(action string) {
	decisionsTotal.WithLabelValues(action).Inc()
}

func RecordFeedback(feedbackType string) {
	feedbackTotal.WithLabelValues(feedbackType).Inc()
}

func RecordStage(stage, status string) {
	stageTransitions.WithLabelValues(stage, status).Inc()
}

// ObserveExternal records one adapter call; err only selects the outcome label.
func ObserveExternal(adapter, operation string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	externalCalls.WithLabelValues(adapter, operation, outcome).Observe(d.Seconds())
}

func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
