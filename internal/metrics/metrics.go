// Package metrics exposes the hub's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groundstation_sessions_active",
		Help: "Number of currently connected satellite sessions",
	})

	BusState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groundstation_bus_state",
		Help: "Bus connection state (0=disconnected 1=connecting 2=connected 3=reconnecting)",
	})

	BusReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groundstation_bus_reconnects_total",
		Help: "Total number of successful bus reconnections",
	})

	BusMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundstation_bus_messages_total",
		Help: "Inbound bus messages by routing kind",
	}, []string{"kind"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundstation_commands_total",
		Help: "Completed voice commands by outcome",
	}, []string{"outcome"})
)

// Routing kinds for BusMessagesTotal.
const (
	KindReply     = "reply"
	KindBroadcast = "broadcast"
	KindRoom      = "room"
	KindDiscarded = "discarded"
)

// Command outcomes for CommandsTotal.
const (
	OutcomeCompleted      = "completed"
	OutcomeEmpty          = "empty_transcript"
	OutcomeCancelled      = "cancelled"
	OutcomeSpeechError    = "speech_error"
	OutcomeBusUnavailable = "bus_unavailable"
	OutcomeTimeout        = "timeout"
)

// IncCommand records one completed command pipeline with the given outcome.
func IncCommand(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	CommandsTotal.WithLabelValues(outcome).Inc()
}

// IncBusMessage records one routed inbound bus message.
func IncBusMessage(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	BusMessagesTotal.WithLabelValues(kind).Inc()
}
