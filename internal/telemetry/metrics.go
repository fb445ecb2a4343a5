// Package telemetry exposes Prometheus collectors for admission decisions.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsGranted counts successful admissions by resource
	// ("application" or "execution").
	AdmissionsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "admissions_granted_total",
		Help:      "Admissions granted, by quota resource.",
	}, []string{"resource"})

	// AdmissionsRejected counts rejected admissions by resource and reason
	// ("quota", "lock_busy", "invalid_license").
	AdmissionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "admissions_rejected_total",
		Help:      "Admissions rejected, by quota resource and reason.",
	}, []string{"resource", "reason"})

	// ReservationRollbacks counts quota reservations undone after a
	// downstream store failure.
	ReservationRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "reservation_rollbacks_total",
		Help:      "Quota reservations rolled back after a failed durable write.",
	}, []string{"resource"})

	// JobsFinished counts job finishes by terminal status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tollgate",
		Name:      "jobs_finished_total",
		Help:      "Jobs finished, by terminal status.",
	}, []string{"status"})
)
