package mpdserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stellar_mpd_connections_active",
			Help: "Number of open protocol connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stellar_mpd_connections_total",
			Help: "Total number of accepted protocol connections",
		},
	)

	EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stellar_mpd_evictions_total",
			Help: "External connections closed to make room for newer ones",
		},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellar_mpd_commands_total",
			Help: "Total number of dispatched commands",
		},
		[]string{"command", "outcome"}, // outcome: ok, unknown, arg, noexist, system
	)

	IdleWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stellar_mpd_idle_waiters",
			Help: "Connections currently blocked in idle",
		},
	)

	BusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stellar_mpd_bus_events_total",
			Help: "Subsystem events fanned out by the notification bus",
		},
		[]string{"subsystem"},
	)
)
