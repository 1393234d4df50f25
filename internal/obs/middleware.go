package obs

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusRecorder captures the status code and body size a handler produced.
type StatusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *StatusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *StatusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.written += int64(n)
	return n, err
}

func (sr *StatusRecorder) Status() int { return sr.status }

func (sr *StatusRecorder) BytesWritten() int64 { return sr.written }

// HTTPObs records request counts, latency and in-flight requests per chi route.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := NewStatusRecorder(w)
		o.Metrics.InFlight.Inc()
		defer o.Metrics.InFlight.Dec()
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routeLabel(r)
		o.Metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.Status())).Inc()
		o.Metrics.Duration.WithLabelValues(r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// routeLabel keeps label cardinality bounded: unmatched paths collapse to one value.
func routeLabel(r *http.Request) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	return "unmatched"
}

// HTTPHandler wraps next in an otelhttp server span named operation. Provider
// trace headers are extracted so a notification joins the sender's trace.
func HTTPHandler(next http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(next, operation,
		otelhttp.WithSpanNameFormatter(func(op string, r *http.Request) string {
			if route := RoutePatternFromContext(r.Context()); route != "" {
				return r.Method + " " + route
			}
			return op
		}),
	)
}
