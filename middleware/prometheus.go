package middleware

import (
	"net/http"
	"strconv"

	"cloudcollab/internal/metrics"

	"github.com/felixge/httpsnoop"
)

// PrometheusMiddleware counts requests by method, route pattern and status.
// The pattern comes from mux so that query strings and unknown paths do not
// create new label values. /metrics itself is not counted.
func PrometheusMiddleware(m *metrics.Metrics, mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		path := "unmatched"
		if _, pattern := mux.Handler(r); pattern != "" {
			path = pattern
		}

		// httpsnoop keeps the Hijacker of w so websocket upgrades still work.
		snoop := httpsnoop.CaptureMetrics(next, w, r)
		m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(snoop.Code)).Inc()
	})
}
