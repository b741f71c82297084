// ABOUTME: HTTP instrumentation middleware recording request counts and latency
// ABOUTME: Labels requests by the matched ServeMux pattern to keep cardinality bounded

package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-state/internal/metrics"
)

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records every request against the route pattern the mux matched.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		metrics.ObserveHTTP(r.Method, routeLabel(r.Pattern), rec.status, started)
	})
}

// routeLabel strips the method from a "GET /threads/{tid}" pattern.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}
