package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmpack_buildd",
		Name:      "jobs_submitted_total",
		Help:      "Total BuildJobs scheduled for build.",
	})
	commitsRolledBackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mmpack_buildd",
		Name:      "commits_rolled_back_total",
		Help:      "Commit transactions that rolled back at least one repository.",
	})
)
