package records

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phivault_records_created_total",
		Help: "Secure records created.",
	})

	recordsDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phivault_records_deleted_total",
		Help: "Explicit secure record deletions.",
	})

	recordsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phivault_records_swept_total",
		Help: "Expired secure records removed by sweeps.",
	})

	redactionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phivault_redactions_total",
		Help: "De-identification transformations applied, by action.",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(recordsCreated, recordsDeleted, recordsSwept, redactionsApplied)
}
