package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strava_stats",
		Subsystem: "fetch",
		Name:      "runs_total",
		Help:      "Fetch runs by outcome (completed, error, budget_exceeded).",
	}, []string{"outcome"})
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "strava_stats",
		Subsystem: "fetch",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of completed fetch runs.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
	pagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strava_stats",
		Subsystem: "upstream",
		Name:      "activity_pages_fetched_total",
		Help:      "Pages retrieved from the activity list endpoint.",
	})
	activitiesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strava_stats",
		Subsystem: "upstream",
		Name:      "activities_fetched_total",
		Help:      "Activity summaries retrieved across all runs.",
	})
	enrichmentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strava_stats",
		Subsystem: "upstream",
		Name:      "enrichment_failures_total",
		Help:      "Per-activity detail or comment fetches that failed and were skipped.",
	}, []string{"kind"})
	continuationsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "strava_stats",
		Subsystem: "fetch",
		Name:      "continuations_published_total",
		Help:      "Budget-exceeded runs handed off to the background worker.",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, runDuration, pagesFetched, activitiesFetched, enrichmentFailures, continuationsPublished)
}

// RecordRun counts one finished run and, for completed runs, its duration.
func RecordRun(outcome string, elapsed time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		runDuration.Observe(elapsed.Seconds())
	}
}

// RecordPage counts one list page and the summaries it carried.
func RecordPage(activities int) {
	pagesFetched.Inc()
	activitiesFetched.Add(float64(activities))
}

// RecordEnrichmentFailure counts a skipped per-activity fetch. Kind is
// "detail" or "comments".
func RecordEnrichmentFailure(kind string) {
	enrichmentFailures.WithLabelValues(kind).Inc()
}

// RecordContinuationPublished counts a handoff to the fetch_requests topic.
func RecordContinuationPublished() {
	continuationsPublished.Inc()
}
