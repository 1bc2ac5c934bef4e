package jobs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkarlsen/quantd/internal/model"
)

var (
	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantd_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by class and outcome.",
		},
		[]string{"class", "status"},
	)

	jobsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantd_jobs_active",
			Help: "Jobs currently pending or running in the registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobsActive)
}

// recordCreated tracks a new non-terminal job.
func recordCreated() {
	jobsActive.Inc()
}

// recordTerminal tracks a job leaving the active set.
func recordTerminal(class model.Class, status model.Status) {
	jobsActive.Dec()
	jobsFinishedTotal.WithLabelValues(string(class), string(status)).Inc()
}
