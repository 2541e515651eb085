package httpx

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/qimed/medbench/internal/httpx"

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter(meterName)

	requests, err := meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("Duration of HTTP requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter(
		"http.server.request.errors",
		metric.WithDescription("Total number of HTTP error responses"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{requests: requests, duration: duration, errors: errors}, nil
}

// Metrics records request count, duration and error count per route. If the
// instruments cannot be created the middleware is a no-op rather than a
// startup failure.
func Metrics() func(http.Handler) http.Handler {
	ins, err := newInstruments()
	if err != nil {
		return func(handler http.Handler) http.Handler { return handler }
	}

	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)

			handler.ServeHTTP(rec, r)

			attrs := metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.Int("http.status_code", rec.status),
			)

			ins.requests.Add(r.Context(), 1, attrs)
			ins.duration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
			if rec.status >= 400 {
				ins.errors.Add(r.Context(), 1, attrs)
			}
		})
	}
}
