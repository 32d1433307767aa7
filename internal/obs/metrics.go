package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	lotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steril_lots_total",
			Help: "Sterilization lots entering each state.",
		},
		[]string{"state"},
	)

	controlAlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "steril_control_alerts_total",
		Help: "Quality controls resolved positive or failed.",
	})

	trayAssignmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "steril_tray_assignments_total",
		Help: "Sterile trays assigned to patients.",
	})

	trayLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steril_tray_lookup_total",
			Help: "Tray code lookups by outcome.",
		},
		[]string{"outcome"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "steril_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			lotsTotal, controlAlertsTotal, trayAssignmentsTotal, trayLookupsTotal, ready,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func LotTransition(state string) { lotsTotal.WithLabelValues(state).Inc() }

func ControlAlert() { controlAlertsTotal.Inc() }

func TrayAssigned() { trayAssignmentsTotal.Inc() }

func TrayLookup(outcome string) { trayLookupsTotal.WithLabelValues(outcome).Inc() }

func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// resource collections whose second segment is an identifier.
var idCollections = map[string]bool{
	"autoclaves": true,
	"lots":       true,
	"controls":   true,
	"trays":      true,
}

// named sub-resources that are not identifiers.
var staticSegments = map[string]bool{
	"lookup":  true,
	"pending": true,
	"recent":  true,
	"export":  true,
	"due":     true,
	"stream":  true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	if !idCollections[parts[1]] || staticSegments[parts[2]] {
		return raw
	}
	parts[2] = ":id"
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
