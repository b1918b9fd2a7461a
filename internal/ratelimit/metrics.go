package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kinvault",
	Subsystem: "ratelimit",
	Name:      "throttled_total",
	Help:      "Requests rejected with 429, by key class.",
}, []string{"class"})
