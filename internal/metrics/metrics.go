// Package metrics holds the backend's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "building"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	Uploads       *prometheus.CounterVec
	BIMImports    *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Artifact uploads by kind and outcome.",
		}, []string{"kind", "outcome"}),
		BIMImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bim_imports_total",
			Help:      "BIM import and commit requests by stage and outcome.",
		}, []string{"stage", "outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_notifications_total",
			Help:      "Change notifications published by event.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.Uploads, m.BIMImports, m.Notifications)
	}
	return m
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New(nil)
}
