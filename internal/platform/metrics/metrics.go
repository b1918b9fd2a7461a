// Package metrics exposes the Prometheus endpoint. Individual metrics are
// registered by the packages that own them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
