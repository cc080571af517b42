package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	SessionActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "robotlab",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of sessions currently starting or running",
	})

	SessionStartLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "robotlab",
		Subsystem: "session",
		Name:      "start_latency_seconds",
		Help:      "Latency from ensure to a ready workspace container",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	})

	SessionStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "session",
		Name:      "start_failures_total",
		Help:      "Total number of workspace starts that ended in error",
	})

	SessionReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "session",
		Name:      "reaped_total",
		Help:      "Total number of sessions stopped by the idle reaper",
	})
)

// Port Metrics
var (
	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "robotlab",
		Subsystem: "ports",
		Name:      "in_use",
		Help:      "Number of host ports reserved by sessions",
	})

	PortCapacityExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "ports",
		Name:      "capacity_exhausted_total",
		Help:      "Total number of allocations rejected because the port range was full",
	})
)

// Booking Metrics
var (
	BookingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "booking",
		Name:      "created_total",
		Help:      "Total number of bookings created",
	})

	BookingConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "booking",
		Name:      "conflicts_total",
		Help:      "Total number of bookings rejected for overlapping an existing booking",
	})
)

// Gate Metrics
var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robotlab",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Access gate decisions by action and outcome",
	}, []string{"action", "outcome"})
)
