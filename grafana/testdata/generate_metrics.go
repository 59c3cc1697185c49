// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real clinical data.
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

// Metrics for testing dashboards. Names and labels mirror the daemon's
// instruments after collector translation (dots become underscores), so
// panels built against this generator work unchanged against production.
var (
	// Triage metrics
	triageAssessments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_triage_assessments_total",
			Help: "Total check-in assessments by floor tier, final tier, and provenance",
		},
		[]string{"floor_tier", "final_tier", "provenance"},
	)
	triageAssessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigild_triage_assess_ms",
			Help:    "End-to-end assessment latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10), // 50ms to ~25s
		},
		[]string{"tier", "provenance"},
	)
	triageParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigild_triage_parse_failures_total",
			Help: "Model replies that could not be parsed into a risk tier",
		},
	)
	triagePrewarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_triage_prewarms_total",
			Help: "Prewarmed generations by outcome",
		},
		[]string{"outcome"},
	)

	// Inference metrics
	inferenceGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_inference_generations_total",
			Help: "Generation attempts by terminal state",
		},
		[]string{"state"},
	)
	inferenceFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigild_inference_fragments_total",
			Help: "Streamed output fragments received from the engine",
		},
	)
	inferenceFirstFragment = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigild_inference_first_fragment_ms",
			Help:    "Time to first streamed fragment in milliseconds",
			Buckets: prometheus.ExponentialBuckets(25, 2, 10), // 25ms to ~12.8s
		},
	)

	// Crisis metrics
	crisisSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_crisis_sessions_total",
			Help: "Crisis session transitions",
		},
		[]string{"transition"},
	)
	crisisFollowupsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigild_crisis_followups_missed_total",
			Help: "Follow-up deadlines that passed without a check-in",
		},
	)

	// Longitudinal metrics
	longitudinalUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_longitudinal_updates_total",
			Help: "Background state updates by outcome",
		},
		[]string{"outcome"},
	)
	longitudinalNarratives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_longitudinal_narrative_refreshes_total",
			Help: "Narrative refreshes by source",
		},
		[]string{"source"},
	)
	longitudinalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigild_longitudinal_queue_depth",
			Help: "Check-in outcomes waiting for background folding",
		},
	)

	// Safety plan metrics
	safetyplanReranks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_safetyplan_reranks_total",
			Help: "Safety plan reranks by source",
		},
		[]string{"source"},
	)

	// Store metrics
	storeRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigild_store_retry_queue_depth",
			Help: "Writes waiting for replay after a persistence failure",
		},
	)
	storeWritesDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_store_writes_deferred_total",
			Help: "Writes that failed and were queued for retry",
		},
		[]string{"kind"},
	)
	storeWritesReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigild_store_writes_replayed_total",
			Help: "Replay attempts for deferred writes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		// Triage
		triageAssessments,
		triageAssessDuration,
		triageParseFailures,
		triagePrewarms,
		// Inference
		inferenceGenerations,
		inferenceFragments,
		inferenceFirstFragment,
		// Crisis
		crisisSessions,
		crisisFollowupsMissed,
		// Longitudinal
		longitudinalUpdates,
		longitudinalNarratives,
		longitudinalQueueDepth,
		// Safety plan
		safetyplanReranks,
		// Store
		storeRetryQueueDepth,
		storeWritesDeferred,
		storeWritesReplayed,
	)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}

	// Generate initial sample data
	generateSampleData()

	// Start background goroutine to continuously generate data
	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	// Serve metrics
	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
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
	fmt.Printf("  - job_name: 'vigild-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func generateSampleData() {
	provenances := []string{"agreement", "model", "safety_floor"}
	prewarmOutcomes := []string{"started", "hit", "miss", "expired"}
	writeKinds := []string{"check_in", "longitudinal_state"}

	// Generate assessment data. The final tier only diverges from the floor
	// on the model path; safety_floor means the floor governed.
	for i := 0; i < 200; i++ {
		floor := randomTier()
		provenance := randomChoice(provenances)
		final := floor
		if provenance == "model" {
			final = randomTier()
		}
		triageAssessments.WithLabelValues(floor, final, provenance).Inc()
		triageAssessDuration.WithLabelValues(final, provenance).Observe(float64(rand.Intn(4000) + 400))
	}
	for i := 0; i < 60; i++ {
		triagePrewarms.WithLabelValues(randomChoice(prewarmOutcomes)).Inc()
	}
	for i := 0; i < 4; i++ {
		triageParseFailures.Inc()
	}

	// Generate inference data, mostly completed with a tail of failures
	for i := 0; i < 180; i++ {
		state := "completed"
		if rand.Float64() > 0.85 {
			state = randomChoice([]string{"timedOut", "failed", "cancelled"})
		}
		inferenceGenerations.WithLabelValues(state).Inc()
		if state == "completed" || state == "timedOut" {
			inferenceFragments.Add(float64(rand.Intn(40) + 5))
			inferenceFirstFragment.Observe(float64(rand.Intn(900) + 50))
		}
	}

	// Generate crisis lifecycle data. Every entry eventually resolves,
	// escalates, or loops through stabilizing; misses re-arm the window.
	for i := 0; i < 15; i++ {
		crisisSessions.WithLabelValues("entered").Inc()
		safetyplanReranks.WithLabelValues("rules").Inc()
		loops := rand.Intn(3)
		for j := 0; j < loops; j++ {
			crisisSessions.WithLabelValues("stabilizing").Inc()
		}
		switch {
		case rand.Float64() < 0.7:
			crisisSessions.WithLabelValues("resolved").Inc()
		case rand.Float64() < 0.5:
			crisisSessions.WithLabelValues("escalated").Inc()
		default:
			crisisSessions.WithLabelValues("missed").Inc()
			crisisFollowupsMissed.Inc()
		}
	}

	// Generate background update data
	for i := 0; i < 200; i++ {
		outcome := "ok"
		if rand.Float64() > 0.95 {
			outcome = "error"
		}
		longitudinalUpdates.WithLabelValues(outcome).Inc()
	}
	for i := 0; i < 40; i++ {
		source := "deterministic"
		if rand.Float64() > 0.7 {
			source = "model"
		}
		longitudinalNarratives.WithLabelValues(source).Inc()
	}
	longitudinalQueueDepth.Set(float64(rand.Intn(5)))

	// Generate safety plan refinement data
	for i := 0; i < 12; i++ {
		safetyplanReranks.WithLabelValues(randomChoice([]string{"model", "stale", "rejected", "unavailable"})).Inc()
	}

	// Generate store retry data
	for i := 0; i < 8; i++ {
		storeWritesDeferred.WithLabelValues(randomChoice(writeKinds)).Inc()
		storeWritesReplayed.WithLabelValues("retry").Inc()
	}
	for i := 0; i < 6; i++ {
		storeWritesReplayed.WithLabelValues("applied").Inc()
	}
	storeRetryQueueDepth.Set(float64(rand.Intn(3)))
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	provenances := []string{"agreement", "model", "safety_floor"}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Add some random activity
			if rand.Float64() > 0.3 {
				floor := randomTier()
				provenance := randomChoice(provenances)
				final := floor
				if provenance == "model" {
					final = randomTier()
				}
				triageAssessments.WithLabelValues(floor, final, provenance).Inc()
				triageAssessDuration.WithLabelValues(final, provenance).Observe(float64(rand.Intn(4000) + 400))

				state := "completed"
				if rand.Float64() > 0.9 {
					state = randomChoice([]string{"timedOut", "failed"})
				}
				inferenceGenerations.WithLabelValues(state).Inc()
				if state != "failed" {
					inferenceFragments.Add(float64(rand.Intn(40) + 5))
					inferenceFirstFragment.Observe(float64(rand.Intn(900) + 50))
				}

				longitudinalUpdates.WithLabelValues("ok").Inc()
			}
			if rand.Float64() > 0.7 {
				triagePrewarms.WithLabelValues(randomChoice([]string{"started", "hit", "miss"})).Inc()
			}
			if rand.Float64() > 0.9 {
				crisisSessions.WithLabelValues("entered").Inc()
				safetyplanReranks.WithLabelValues("rules").Inc()
			}
			if rand.Float64() > 0.85 {
				crisisSessions.WithLabelValues(randomChoice([]string{"stabilizing", "resolved"})).Inc()
			}
			if rand.Float64() > 0.8 {
				source := "deterministic"
				if rand.Float64() > 0.7 {
					source = "model"
				}
				longitudinalNarratives.WithLabelValues(source).Inc()
			}
			if rand.Float64() > 0.95 {
				triageParseFailures.Inc()
				safetyplanReranks.WithLabelValues("rejected").Inc()
			}
			if rand.Float64() > 0.95 {
				storeWritesDeferred.WithLabelValues("check_in").Inc()
				storeWritesReplayed.WithLabelValues("applied").Inc()
			}

			// Update queue gauges
			longitudinalQueueDepth.Set(float64(rand.Intn(5)))
			storeRetryQueueDepth.Set(float64(rand.Intn(3)))
		}
	}
}

func randomTier() string {
	r := rand.Float64()
	switch {
	case r < 0.55:
		return "low"
	case r < 0.85:
		return "moderate"
	case r < 0.97:
		return "highMonitoring"
	default:
		return "crisis"
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
