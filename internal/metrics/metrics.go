package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "relayq_"

const (
	RecoveryRequeued  = "requeued"
	RecoveryExhausted = "exhausted"
)

var (
	registerOnce sync.Once

	commandsSubmitted *prometheus.CounterVec
	commandsClaimed   *prometheus.CounterVec
	claimRacesLost    *prometheus.CounterVec
	claimLatency      *prometheus.HistogramVec
	commandResults    *prometheus.CounterVec
	completionConfl   *prometheus.CounterVec
	recoveryOutcomes  *prometheus.CounterVec
	tuplesRejected    prometheus.Counter
	alertsDropped     prometheus.Counter
	httpDuration      *prometheus.HistogramVec
)

// Init registers the queue metrics with the default registry.
func Init() {
	InitWith(prometheus.DefaultRegisterer)
}

// InitWith registers the queue metrics once with reg.
func InitWith(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		commandsSubmitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_submitted_total",
				Help: "Total commands enqueued by partition and kind",
			},
			[]string{"partition", "kind"},
		)
		commandsClaimed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_claimed_total",
				Help: "Total commands moved to processing by a poll",
			},
			[]string{"partition"},
		)
		claimRacesLost = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "claim_races_lost_total",
				Help: "Candidates taken by a concurrent claimant between select and update",
			},
			[]string{"partition"},
		)
		claimLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "claim_latency_seconds",
				Help:    "Claim latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"partition"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total finalized commands by status",
			},
			[]string{"partition", "status"},
		)
		completionConfl = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "completion_conflicts_total",
				Help: "Completion reports rejected because the command was not processing",
			},
			[]string{"partition"},
		)
		recoveryOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "recovery_total",
				Help: "Stale claims handled by the recovery sweep",
			},
			[]string{"partition", "outcome"},
		)
		tuplesRejected = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_tuples_rejected_total",
				Help: "Relay actions rejected while batching rule scripts",
			},
		)
		alertsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_dropped_total",
				Help: "Failure alerts dropped because the worker queue was full",
			},
		)

		httpDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "http_request_duration_seconds",
				Help:    "HTTP request latency by route and status code",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		)

		reg.MustRegister(
			commandsSubmitted,
			commandsClaimed,
			claimRacesLost,
			claimLatency,
			commandResults,
			completionConfl,
			recoveryOutcomes,
			tuplesRejected,
			alertsDropped,
			httpDuration,
		)
	})
}

func IncSubmitted(partition, kind string) {
	if commandsSubmitted == nil {
		return
	}
	commandsSubmitted.WithLabelValues(partition, kind).Inc()
}

// ObserveClaim records a finished claim call.
func ObserveClaim(partition string, won, lost int, elapsed time.Duration) {
	if commandsClaimed == nil {
		return
	}
	commandsClaimed.WithLabelValues(partition).Add(float64(won))
	if lost > 0 {
		claimRacesLost.WithLabelValues(partition).Add(float64(lost))
	}
	claimLatency.WithLabelValues(partition).Observe(elapsed.Seconds())
}

func IncResult(partition, status string) {
	if commandResults == nil {
		return
	}
	commandResults.WithLabelValues(partition, status).Inc()
}

func IncConflict(partition string) {
	if completionConfl == nil {
		return
	}
	completionConfl.WithLabelValues(partition).Inc()
}

func AddRecovery(partition, outcome string, n int) {
	if recoveryOutcomes == nil || n <= 0 {
		return
	}
	recoveryOutcomes.WithLabelValues(partition, outcome).Add(float64(n))
}

func AddRejectedTuples(n int) {
	if tuplesRejected == nil || n <= 0 {
		return
	}
	tuplesRejected.Add(float64(n))
}

func IncAlertDropped() {
	if alertsDropped == nil {
		return
	}
	alertsDropped.Inc()
}

func ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if httpDuration == nil {
		return
	}
	httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
