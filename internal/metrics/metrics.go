package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridlocal",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal state, by result",
		},
		[]string{"result"},
	)

	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gridlocal",
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Entries currently retained in the job history",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gridlocal",
			Subsystem: "queue",
			Name:      "evictions_total",
			Help:      "Entries evicted from the head of the history",
		},
	)

	StatusPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridlocal",
			Subsystem: "devices",
			Name:      "status_polls_total",
			Help:      "Device status polls, by result",
		},
		[]string{"device", "result"},
	)

	RelayCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gridlocal",
			Subsystem: "relay",
			Name:      "cycles_total",
			Help:      "Relay long-poll cycles, by outcome",
		},
		[]string{"device", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal, QueueLength, EvictionsTotal, StatusPollsTotal, RelayCyclesTotal)
}
