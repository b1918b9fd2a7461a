package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kinvault",
		Subsystem: "auth",
		Name:      "registrations_total",
		Help:      "Completed account registrations.",
	})
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kinvault",
		Subsystem: "auth",
		Name:      "logins_total",
		Help:      "Login finishes by outcome.",
	}, []string{"outcome"})
)
