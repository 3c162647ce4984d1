package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce        sync.Once
	requestsTotal       *prometheus.CounterVec
	latencySeconds      *prometheus.HistogramVec
	errorsTotal         *prometheus.CounterVec
	allocationsTotal    *prometheus.CounterVec
	allocationRetries   prometheus.Counter
	assessmentsTotal    *prometheus.CounterVec
	workflowTransitions *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the assessment service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ora_requests_total",
			Help: "Total number of assessment API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ora_latency_seconds",
			Help:    "Latency distribution for assessment API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ora_errors_total",
			Help: "Total number of error responses returned by assessment endpoints.",
		}, []string{"method", "route", "status"})

		allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ora_peer_allocations_total",
			Help: "Peer allocation requests by outcome.",
		}, []string{"outcome"})

		allocationRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ora_peer_allocation_retries_total",
			Help: "Peer allocation attempts retried after a lock or serialization conflict.",
		})

		assessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ora_assessments_total",
			Help: "Assessments recorded by type.",
		}, []string{"type"})

		workflowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ora_workflow_transitions_total",
			Help: "Workflow status transitions persisted.",
		}, []string{"from", "to"})

		prometheus.MustRegister(
			requestsTotal,
			latencySeconds,
			errorsTotal,
			allocationsTotal,
			allocationRetries,
			assessmentsTotal,
			workflowTransitions,
		)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

// Allocations exposes the peer allocation outcome counter.
func Allocations() *prometheus.CounterVec {
	RegisterMetrics()
	return allocationsTotal
}

// AllocationRetries exposes the allocation retry counter.
func AllocationRetries() prometheus.Counter {
	RegisterMetrics()
	return allocationRetries
}

// Assessments exposes the assessment counter.
func Assessments() *prometheus.CounterVec {
	RegisterMetrics()
	return assessmentsTotal
}

// WorkflowTransitions exposes the workflow transition counter.
func WorkflowTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return workflowTransitions
}
