// Package main serves sample conductd metrics so Grafana dashboards
// can be built and tested without a live daemon.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for testing dashboards; names and labels mirror the ones the
// daemon registers.
var (
	// Orchestrator metrics
	workflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_orchestrator_workflows_total",
			Help: "Workflows settled, by terminal state",
		},
		[]string{"state"},
	)
	workflowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_orchestrator_workflow_duration_seconds",
			Help:    "Wall time from workflow start to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
	workflowHealth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_orchestrator_workflow_health_score",
			Help:    "Health score observed at validation",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_orchestrator_tasks_total",
			Help: "Task outcomes applied to workflow graphs",
		},
		[]string{"status"},
	)

	// Router metrics
	delegationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_router_delegations_total",
			Help: "Routed delegations, by role and final outcome",
		},
		[]string{"role", "outcome"},
	)
	delegationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductd_router_duration_seconds",
			Help:    "End-to-end delegation duration, by role",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	delegationAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_router_attempts",
			Help:    "Backend attempts per delegation",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Governor metrics
	governorSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductd_governor_slots_in_use",
			Help: "Delegation slots currently held",
		},
	)
	governorWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductd_governor_waiting",
			Help: "Delegations waiting for admission",
		},
	)
	governorAdmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_governor_admitted_total",
			Help: "Delegations admitted",
		},
	)
	governorDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_governor_denied_total",
			Help: "Delegations denied, by reason",
		},
		[]string{"reason"},
	)
	governorWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_governor_wait_seconds",
			Help:    "Time spent waiting for admission",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Pipeline metrics
	pipelineBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_pipeline_builds_total",
			Help: "Payloads built, by role",
		},
		[]string{"role"},
	)
	pipelineOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_pipeline_overflow_total",
			Help: "Builds abandoned because the budget could not be met",
		},
	)
	pipelineTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_pipeline_payload_tokens",
			Help:    "Final payload size in tokens",
			Buckets: prometheus.ExponentialBuckets(128, 2, 8),
		},
	)
	pipelineRatio = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_pipeline_compression_ratio",
			Help:    "Original payload tokens over final payload tokens",
			Buckets: []float64{1, 1.5, 2, 3, 5, 8, 13},
		},
	)
	pipelineRetention = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductd_pipeline_keyword_retention",
			Help:    "Keyword retention after compression",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Memory metrics
	memoryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_memory_writes_total",
			Help: "Records written, by tier",
		},
		[]string{"tier"},
	)
	memorySearches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_memory_searches_total",
			Help: "Long-term searches executed",
		},
	)
	memoryRedactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_memory_redactions_total",
			Help: "Secrets redacted from record values before persisting",
		},
	)
	memoryRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductd_memory_records",
			Help: "Records currently held, by tier",
		},
		[]string{"tier"},
	)

	// Lifecycle metrics
	lifecycleMoves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_lifecycle_moves_total",
			Help: "Verified stage moves by destination stage",
		},
		[]string{"to"},
	)
	lifecycleRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_lifecycle_move_retries_total",
			Help: "Stage moves retried after failing verification",
		},
	)
	lifecycleFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductd_lifecycle_move_failures_total",
			Help: "Stage moves abandoned after exhausting retries",
		},
	)
	lifecycleSpecs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductd_lifecycle_specifications",
			Help: "Specifications currently in each stage",
		},
		[]string{"stage"},
	)

	// Intake metrics
	intakeManifests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_intake_manifests_total",
			Help: "Spooled manifests processed, by result",
		},
		[]string{"result"},
	)

	// HTTP server metrics
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductd_http_requests_total",
			Help: "Requests served, by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductd_http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	httpActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductd_http_active_requests",
			Help: "Requests currently being served",
		},
	)
)

var (
	roles     = []string{"architect", "coder", "tester", "reviewer", "researcher"}
	outcomes  = []string{"success", "success", "success", "timeout", "backend_error", "resource_denied"}
	stages    = []string{"backlog", "in_scope", "completed"}
	statuses  = []string{"completed", "failed", "blocked"}
	tiers     = []string{"short_term", "long_term", "episodic"}
	routes    = []string{"/healthz", "/readyz", "/v1/workflows", "/v1/workflows/:id", "/v1/specifications"}
	denials   = []string{"capacity", "never_fits", "closed"}
	wfStates  = []string{"completed", "completed", "completed", "failed"}
	httpCodes = []string{"200", "200", "200", "201", "400", "404", "409"}
)

func init() {
	prometheus.MustRegister(
		// Orchestrator
		workflowsTotal,
		workflowDuration,
		workflowHealth,
		tasksTotal,
		// Router
		delegationsTotal,
		delegationDuration,
		delegationAttempts,
		// Governor
		governorSlots,
		governorWaiting,
		governorAdmitted,
		governorDenied,
		governorWait,
		// Pipeline
		pipelineBuilds,
		pipelineOverflow,
		pipelineTokens,
		pipelineRatio,
		pipelineRetention,
		// Memory
		memoryWrites,
		memorySearches,
		memoryRedactions,
		memoryRecords,
		// Lifecycle
		lifecycleMoves,
		lifecycleRetries,
		lifecycleFailures,
		lifecycleSpecs,
		// Intake
		intakeManifests,
		// HTTP
		httpRequests,
		httpDuration,
		httpActive,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}

	generateSampleData()

	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'conductd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// generateSampleData seeds enough history that rate() panels render
// immediately.
func generateSampleData() {
	for i := 0; i < 60; i++ {
		workflowsTotal.WithLabelValues(randomChoice(wfStates)).Inc()
		workflowDuration.Observe(rand.Float64() * 300)
		workflowHealth.Observe(0.5 + rand.Float64()*0.5)
	}
	for i := 0; i < 300; i++ {
		role := randomChoice(roles)
		outcome := randomChoice(outcomes)
		delegationsTotal.WithLabelValues(role, outcome).Inc()
		delegationDuration.WithLabelValues(role).Observe(rand.Float64() * 30)
		delegationAttempts.Observe(float64(rand.Intn(3) + 1))
		tasksTotal.WithLabelValues(randomChoice(statuses)).Inc()
	}

	governorAdmitted.Add(280)
	for i := 0; i < 12; i++ {
		governorDenied.WithLabelValues(randomChoice(denials)).Inc()
		governorWait.Observe(rand.Float64() * 5)
	}
	governorSlots.Set(float64(rand.Intn(4)))
	governorWaiting.Set(float64(rand.Intn(3)))

	for i := 0; i < 300; i++ {
		pipelineBuilds.WithLabelValues(randomChoice(roles)).Inc()
		pipelineTokens.Observe(float64(rand.Intn(7000) + 500))
		pipelineRatio.Observe(1 + rand.Float64()*4)
		pipelineRetention.Observe(0.6 + rand.Float64()*0.4)
	}
	pipelineOverflow.Add(2)

	for i := 0; i < 400; i++ {
		memoryWrites.WithLabelValues(randomChoice(tiers)).Inc()
	}
	memorySearches.Add(250)
	memoryRedactions.Add(7)
	memoryRecords.WithLabelValues("short_term").Set(float64(rand.Intn(64)))
	memoryRecords.WithLabelValues("long_term").Set(float64(rand.Intn(2000) + 100))
	memoryRecords.WithLabelValues("episodic").Set(float64(rand.Intn(100)))

	for i := 0; i < 80; i++ {
		lifecycleMoves.WithLabelValues(randomChoice(stages)).Inc()
	}
	lifecycleRetries.Add(3)
	lifecycleSpecs.WithLabelValues("backlog").Set(float64(rand.Intn(10)))
	lifecycleSpecs.WithLabelValues("in_scope").Set(float64(rand.Intn(4)))
	lifecycleSpecs.WithLabelValues("completed").Set(float64(rand.Intn(50) + 10))

	intakeManifests.WithLabelValues("accepted").Add(40)
	intakeManifests.WithLabelValues("rejected").Add(3)

	for i := 0; i < 500; i++ {
		route := randomChoice(routes)
		method := "GET"
		if route == "/v1/specifications" {
			method = "POST"
		}
		httpRequests.WithLabelValues(method, route, randomChoice(httpCodes)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(rand.Float64() * 0.2)
	}
	httpActive.Set(float64(rand.Intn(3)))
}

// generateContinuousData keeps the series moving so live dashboards
// show activity.
func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rand.Float64() > 0.6 {
				workflowsTotal.WithLabelValues(randomChoice(wfStates)).Inc()
				workflowDuration.Observe(rand.Float64() * 300)
				workflowHealth.Observe(0.5 + rand.Float64()*0.5)
			}
			if rand.Float64() > 0.2 {
				role := randomChoice(roles)
				delegationsTotal.WithLabelValues(role, randomChoice(outcomes)).Inc()
				delegationDuration.WithLabelValues(role).Observe(rand.Float64() * 30)
				delegationAttempts.Observe(float64(rand.Intn(3) + 1))
				tasksTotal.WithLabelValues(randomChoice(statuses)).Inc()
				governorAdmitted.Inc()
				governorWait.Observe(rand.Float64())
				pipelineBuilds.WithLabelValues(role).Inc()
				pipelineTokens.Observe(float64(rand.Intn(7000) + 500))
				pipelineRatio.Observe(1 + rand.Float64()*4)
				pipelineRetention.Observe(0.6 + rand.Float64()*0.4)
				memoryWrites.WithLabelValues(randomChoice(tiers)).Inc()
				memorySearches.Inc()
			}
			if rand.Float64() > 0.9 {
				governorDenied.WithLabelValues(randomChoice(denials)).Inc()
			}
			if rand.Float64() > 0.8 {
				lifecycleMoves.WithLabelValues(randomChoice(stages)).Inc()
			}
			if rand.Float64() > 0.7 {
				intakeManifests.WithLabelValues("accepted").Inc()
			}

			route := randomChoice(routes)
			httpRequests.WithLabelValues("GET", route, "200").Inc()
			httpDuration.WithLabelValues("GET", route).Observe(rand.Float64() * 0.2)

			governorSlots.Set(float64(rand.Intn(4)))
			governorWaiting.Set(float64(rand.Intn(3)))
			httpActive.Set(float64(rand.Intn(3)))
			memoryRecords.WithLabelValues("long_term").Add(float64(rand.Intn(3)))
			memoryRecords.WithLabelValues("episodic").Set(float64(rand.Intn(100)))
		}
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
