// Package metrics exposes Prometheus counters for the chat service. The
// /metrics endpoint is wired in the service entrypoint via promhttp.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flick_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flick_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	// WSConnections is the number of active websocket connections.
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flick_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flick_messages_sent_total",
			Help: "Total number of messages accepted for delivery.",
		},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flick_uploads_total",
			Help: "Total number of attachment uploads by outcome.",
		},
		[]string{"outcome"},
	)
	pushSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flick_push_sent_total",
			Help: "Total number of web push deliveries by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		WSConnections,
		messagesSentTotal,
		uploadsTotal,
		pushSentTotal,
	)
}

func IncMessageSent() { messagesSentTotal.Inc() }

func IncUpload(outcome string) { uploadsTotal.WithLabelValues(outcome).Inc() }

func IncPush(outcome string) { pushSentTotal.WithLabelValues(outcome).Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// HTTPMiddleware records request counts and latencies per chi route pattern.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
