package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ConnectedParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ya_relay_connected_participants",
		Help: "Number of participants with a live signaling connection",
	})
	CallsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ya_relay_calls_in_flight",
		Help: "Entries in the relay call table",
	})
)

// Counters
var (
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ya_relay_envelopes_total",
		Help: "Envelopes received from participants by type",
	}, []string{"type"})
	UndeliverableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ya_relay_undeliverable_total",
		Help: "Envelopes whose recipient had no live connection",
	}, []string{"type"})
	SynthesizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ya_relay_synthesized_total",
		Help: "Envelopes generated by the relay on behalf of a participant",
	}, []string{"type", "reason"})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ya_relay_dropped_total",
		Help: "Envelopes dropped by the relay",
	}, []string{"reason"})
)
