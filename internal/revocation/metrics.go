package revocation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	revocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kinvault",
		Subsystem: "revocation",
		Name:      "duration_seconds",
		Help:      "Wall time of one Revoke call, staging through cleanup.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	recordsReencrypted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kinvault",
		Subsystem: "revocation",
		Name:      "reencrypted_records_total",
		Help:      "Records re-encrypted by key rotations.",
	})
	selfHealFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kinvault",
		Subsystem: "revocation",
		Name:      "self_heal_fetches_total",
		Help:      "Wrapped-key refreshes triggered by stale-version detection.",
	})
)

type revocationTimer struct{ start time.Time }

func startRevocationTimer() revocationTimer { return revocationTimer{start: time.Now()} }

func (t revocationTimer) done() { revocationDuration.Observe(time.Since(t.start).Seconds()) }
