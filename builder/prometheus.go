package builder

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mmpack_buildd",
		Name:      "builds_total",
		Help:      "Completed sub-builds by builder name and outcome (success|failure).",
	}, []string{"builder", "outcome"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mmpack_buildd",
		Name:      "builder_queue_depth",
		Help:      "Current number of jobs waiting in a builder queue.",
	}, []string{"builder"})
)
