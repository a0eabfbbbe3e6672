package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbles_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bubbles_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bubbles_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbles_ws_events_total",
			Help: "Total number of websocket events received from clients.",
		},
		[]string{"event"},
	)
	wsBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbles_ws_broadcasts_total",
			Help: "Total number of events fanned out to connections.",
		},
		[]string{"event"},
	)
	wsSlowClientDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbles_ws_slow_client_drops_total",
			Help: "Connections closed because their send buffer was full.",
		},
	)
	pushSendErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbles_push_send_errors_total",
			Help: "Total number of web push delivery errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		wsBroadcastsTotal,
		wsSlowClientDropsTotal,
		pushSendErrorsTotal,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the wrapped writer so WebSocket upgrades work
// behind this middleware.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// HTTPMiddleware counts requests and observes latencies per method.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

func IncWSActive()               { wsActiveConnections.Inc() }
func DecWSActive()               { wsActiveConnections.Dec() }
func IncWSEvent(event string)    { wsEventsTotal.WithLabelValues(event).Inc() }
func IncBroadcast(event string)  { wsBroadcastsTotal.WithLabelValues(event).Inc() }
func IncSlowClientDrop()         { wsSlowClientDropsTotal.Inc() }
func IncPushSendError()          { pushSendErrorsTotal.Inc() }
