package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type metrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	generations     *prometheus.CounterVec
	titleFallbacks  prometheus.Counter
	upstreamLatency prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventpilot",
			Subsystem: "segment_gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventpilot",
			Subsystem: "segment_gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventpilot",
			Subsystem: "segment_gateway",
			Name:      "generations_total",
			Help:      "Prompt-to-segment generations by outcome.",
		}, []string{"outcome"}),
		titleFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "eventpilot",
			Subsystem: "segment_gateway",
			Name:      "title_fallbacks_total",
			Help:      "Title suggestions answered with a described title instead of the model.",
		}),
		upstreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventpilot",
			Subsystem: "segment_gateway",
			Name:      "upstream_run_seconds",
			Help:      "Latency of filter execution against the upstream query service.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// instrument records request counts and latency by chi route pattern and
// logs each request at debug.
func (s *Service) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		s.metrics.duration.WithLabelValues(route).Observe(elapsed.Seconds())

		s.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
		)
	})
}
