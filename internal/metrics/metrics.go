// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "detective"

var (
	registry = prometheus.NewRegistry()

	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Outbound API calls by client and outcome.",
	}, []string{"client", "outcome"})

	syncUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_units_total",
		Help:      "Units processed by the sync orchestrator by source and outcome.",
	}, []string{"source", "outcome"})

	syncRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_retries_total",
		Help:      "Backoff retries by source.",
	}, []string{"source"})

	checkpointAdvance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_checkpoint_timestamp_seconds",
		Help:      "Wall time of the last checkpoint advance per source and scope.",
	}, []string{"source", "scope"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Inbound webhook deliveries by event type and outcome.",
	}, []string{"event", "outcome"})

	verdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verdicts_appended_total",
		Help:      "Classification verdict versions appended by trigger.",
	}, []string{"trigger"})

	surveyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "survey_transitions_total",
		Help:      "Survey state transitions by target state.",
	}, []string{"state"})

	httpRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rejected_total",
		Help:      "Inbound HTTP requests turned away by limiter and reason.",
	}, []string{"limiter", "reason"})
)

func init() {
	registry.MustRegister(
		apiRequests,
		syncUnits,
		syncRetries,
		checkpointAdvance,
		webhookDeliveries,
		verdicts,
		surveyTransitions,
		httpRejected,
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry (used by tests).
func Registry() *prometheus.Registry {
	return registry
}

func ObserveAPIRequest(client, outcome string) {
	apiRequests.WithLabelValues(client, outcome).Inc()
}

func ObserveSyncUnit(source, outcome string) {
	syncUnits.WithLabelValues(source, outcome).Inc()
}

func ObserveSyncRetry(source string) {
	syncRetries.WithLabelValues(source).Inc()
}

func ObserveCheckpoint(source, scope string, unixSeconds float64) {
	checkpointAdvance.WithLabelValues(source, scope).Set(unixSeconds)
}

func ObserveWebhook(event, outcome string) {
	webhookDeliveries.WithLabelValues(event, outcome).Inc()
}

func ObserveVerdict(trigger string) {
	verdicts.WithLabelValues(trigger).Inc()
}

func ObserveSurveyTransition(state string) {
	surveyTransitions.WithLabelValues(state).Inc()
}

func ObserveHTTPRejected(limiter, reason string) {
	httpRejected.WithLabelValues(limiter, reason).Inc()
}
