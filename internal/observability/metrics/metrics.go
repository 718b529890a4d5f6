package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "csms_"

	// Publish results.
	PublishResultPublished  = "published"
	PublishResultRetry      = "retry"
	PublishResultDeadLetter = "dead_letter"
	PublishResultPermanent  = "permanent"

	// Reconcile outcomes.
	ReconcileReceived = "received"
	ReconcileApplied  = "applied"
	ReconcileSkipped  = "skipped"
	ReconcileFailed   = "failed"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	commandsEnqueued prometheus.Counter
	commandTimeouts  prometheus.Counter

	outboxClaimed      prometheus.Counter
	outboxTicksSkipped prometheus.Counter
	outboxPublish      *prometheus.CounterVec

	reconcilerEvents  *prometheus.CounterVec
	completionLatency *prometheus.HistogramVec

	deadLetterNotify *prometheus.CounterVec
)

// Init registers the subsystem metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		commandsEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total commands accepted at intake",
			},
		)
		commandTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_timeouts_total",
				Help: "Total commands swept into Timeout",
			},
		)

		outboxClaimed = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_rows_claimed_total",
				Help: "Total outbox rows this instance won a claim for",
			},
		)
		outboxTicksSkipped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_ticks_skipped_total",
				Help: "Publisher ticks skipped because the previous tick was still running",
			},
		)
		outboxPublish = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Outbox publish attempts by result",
			},
			[]string{"result"},
		)

		reconcilerEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconciler_events_total",
				Help: "Inbound acknowledgment events by outcome",
			},
			[]string{"outcome"},
		)
		completionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_completion_seconds",
				Help:    "Enqueue-to-terminal latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		)

		deadLetterNotify = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dead_letter_notify_total",
				Help: "Dead-letter notification publishes by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			commandsEnqueued,
			commandTimeouts,
			outboxClaimed,
			outboxTicksSkipped,
			outboxPublish,
			reconcilerEvents,
			completionLatency,
			deadLetterNotify,
		)
	})
}

// IncCommandEnqueued increments the intake counter.
func IncCommandEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// AddCommandTimeouts adds swept command count.
func AddCommandTimeouts(count int) {
	if commandTimeouts != nil && count > 0 {
		commandTimeouts.Add(float64(count))
	}
}

// AddOutboxClaimed adds won claim count.
func AddOutboxClaimed(count int) {
	if outboxClaimed != nil && count > 0 {
		outboxClaimed.Add(float64(count))
	}
}

// IncTickSkipped increments the skipped-tick counter.
func IncTickSkipped() {
	if outboxTicksSkipped != nil {
		outboxTicksSkipped.Inc()
	}
}

// IncPublishResult increments the publish counter for a result.
func IncPublishResult(result string) {
	if result == "" {
		result = "unknown"
	}
	if outboxPublish != nil {
		outboxPublish.WithLabelValues(result).Inc()
	}
}

// IncReconcile increments the reconciler counter for an outcome.
func IncReconcile(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if reconcilerEvents != nil {
		reconcilerEvents.WithLabelValues(outcome).Inc()
	}
}

// ObserveCompletion records enqueue-to-terminal latency. This is the
// key health signal for the whole pipeline.
func ObserveCompletion(status string, latency time.Duration) {
	if latency < 0 {
		latency = 0
	}
	if completionLatency != nil {
		completionLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

// IncDeadLetterNotify increments the dead-letter notification counter.
func IncDeadLetterNotify(result string) {
	if result == "" {
		result = ResultError
	}
	if deadLetterNotify != nil {
		deadLetterNotify.WithLabelValues(result).Inc()
	}
}
