// Package metrics holds the Prometheus metrics recorded during a pull run.
//
// The puller is a batch job, so nothing is scraped. When a Pushgateway URL is
// configured the default gatherer is pushed once at the end of the run.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// JobName is the Pushgateway job label for pull runs.
const JobName = "atp_events"

// Registry is the registerer all metrics below are attached to.
var Registry = prometheus.DefaultRegisterer

var (
	// RequestsTotal counts appliance requests by endpoint ("tokens", "events") and status.
	RequestsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_requests_total",
		Help: "Total ATP API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	RequestDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atp_request_duration_seconds",
		Help:    "ATP API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	// ReauthTotal counts token refreshes triggered by a 4xx query response.
	ReauthTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_reauth_total",
		Help: "Token refreshes after a rejected query, by server",
	}, []string{"server"})

	EventsRetrieved = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_events_retrieved_total",
		Help: "Events retrieved from the events endpoint, by server",
	}, []string{"server"})

	// PullsTotal counts finished pulls by outcome (success, partial, failed).
	PullsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_pulls_total",
		Help: "Finished server pulls by outcome",
	}, []string{"outcome"})

	PullDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "atp_pull_duration_seconds",
		Help:    "Wall time of a single server pull including the file write",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// TokenCacheTotal counts token cache lookups by result (hit, miss, error).
	TokenCacheTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_token_cache_total",
		Help: "Token cache lookups by result",
	}, []string{"result"})

	// TotalMismatch counts pulls whose retrieved count differs from the reported total.
	TotalMismatch = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "atp_total_mismatch_total",
		Help: "Pulls where retrieved events differ from the reported total, by server",
	}, []string{"server"})
)

// Outcome labels for PullsTotal.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
)

// Push sends every metric in the default gatherer to the Pushgateway at url,
// grouped by the given run id.
func Push(url, runID string) error {
	pusher := push.New(url, JobName).
		Gatherer(prometheus.DefaultGatherer).
		Grouping("run_id", runID)
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Example Prometheus Queries:
//
//   # Failed servers in the last run
//   atp_pulls_total{outcome!="success"}
//
//   # Token refresh rate per appliance
//   rate(atp_reauth_total[1h])
//
//   # P95 events request latency
//   histogram_quantile(0.95, rate(atp_request_duration_seconds_bucket{endpoint="events"}[1h]))
