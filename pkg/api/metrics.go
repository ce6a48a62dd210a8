package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
)

const promNamespace = "ipsportal"

var (
	requestLabels    = []string{"method", "route", "status"}
	requestHistogram = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "duration of HTTP requests",
		Buckets:   prom.DefBuckets,
	}, requestLabels)

	eventsIngested = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "events received on the ingestion endpoint, by outcome",
	}, []string{"outcome"})

	artifactUploads = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: "data",
		Name:      "uploads_total",
		Help:      "artifact uploads to object storage, by outcome",
	}, []string{"outcome"})
)

func init() {
	prom.MustRegister(requestHistogram)
	prom.MustRegister(eventsIngested)
	prom.MustRegister(artifactUploads)
}

// instrument records request durations labeled by the matched route
// pattern, so path parameters do not explode label cardinality.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		requestHistogram.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

func recordIngest(created, appended, failed int) {
	eventsIngested.WithLabelValues("created").Add(float64(created))
	eventsIngested.WithLabelValues("appended").Add(float64(appended))
	eventsIngested.WithLabelValues("rejected").Add(float64(failed))
}
