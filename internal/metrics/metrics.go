package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sticker bot metrics
var (
	// Conversion outcomes
	ConversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stickerbot",
			Subsystem: "pipeline",
			Name:      "conversions_total",
			Help:      "Total sticker conversions by flavour and outcome",
		},
		[]string{"flavour", "outcome"},
	)

	// Conversion duration histogram
	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stickerbot",
			Subsystem: "pipeline",
			Name:      "conversion_duration_seconds",
			Help:      "Wall time of a full pass ladder in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"flavour"},
	)

	// Which rung of the ladder produced the accepted output
	AcceptedPass = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stickerbot",
			Subsystem: "pipeline",
			Name:      "accepted_pass_index",
			Help:      "Zero based index of the accepted pass",
			Buckets:   []float64{0, 1, 2, 3, 4},
		},
		[]string{"flavour"},
	)

	// Codec subprocess invocations
	CodecInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stickerbot",
			Subsystem: "codec",
			Name:      "invocations_total",
			Help:      "Total codec engine invocations by step and status",
		},
		[]string{"step", "status"},
	)

	// Outbox depth
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "stickerbot",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Messages buffered while the session is not ready",
		},
	)

	// Outbound sends
	OutboxSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stickerbot",
			Subsystem: "outbox",
			Name:      "sends_total",
			Help:      "Outbound send attempts by status",
		},
		[]string{"status"},
	)

	// Session transitions
	SessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stickerbot",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state machine transitions",
		},
		[]string{"from", "to"},
	)

	// Session recoveries
	SessionRecoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stickerbot",
			Subsystem: "session",
			Name:      "recoveries_total",
			Help:      "Session teardown and rebuild cycles by status",
		},
		[]string{"status"},
	)
)

// RecordConversion records a finished pipeline run
func RecordConversion(flavour, outcome string, durationSec float64) {
	ConversionsTotal.WithLabelValues(flavour, outcome).Inc()
	ConversionDuration.WithLabelValues(flavour).Observe(durationSec)
}

// RecordAcceptedPass records which pass satisfied the size ceiling
func RecordAcceptedPass(flavour string, index int) {
	AcceptedPass.WithLabelValues(flavour).Observe(float64(index))
}

// RecordCodec records a codec engine invocation
func RecordCodec(step, status string) {
	CodecInvocationsTotal.WithLabelValues(step, status).Inc()
}

// RecordSend records an outbound send attempt
func RecordSend(status string) {
	OutboxSendsTotal.WithLabelValues(status).Inc()
}

// SetPending updates the outbox depth gauge
func SetPending(n int) {
	OutboxPending.Set(float64(n))
}

// RecordTransition records a session state change
func RecordTransition(from, to string) {
	SessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRecovery records a session recovery attempt
func RecordRecovery(status string) {
	SessionRecoveriesTotal.WithLabelValues(status).Inc()
}
