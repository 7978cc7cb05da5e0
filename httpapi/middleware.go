package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "hostd_http_request_duration_seconds",
	Help: "Duration of HTTP requests by route and status.",
}, []string{"route", "status"})

// loggingMiddleware logs one line per request, adapted from the pattern of
// logging method/uri/elapsed on the way out rather than in.
func loggingMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			elapsed := time.Since(start)
			log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": sw.status,
				"took":   elapsed,
			}).Info("http request")
			requestDuration.WithLabelValues(r.URL.Path, http.StatusText(sw.status)).Observe(elapsed.Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// rateLimitMiddleware applies a single token-bucket limiter across the
// whole server; per-client limiting isn't needed since this host has no
// notion of authenticated callers yet.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON rejects POST bodies that don't declare application/json, per
// the content-negotiation testable property: the guest is never invoked for
// a wrongly-typed request.
func requireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "expected application/json"})
			return
		}
		next(w, r)
	}
}
