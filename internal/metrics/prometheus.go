package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docbot_http_requests_total",
	Help: "Total number of requests labelled by route and status",
}, []string{"route", "status"})

var ingestionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docbot_ingestion_duration_seconds",
	Help:    "Time spent processing one ingestion job.",
	Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 120, 300},
}, []string{"outcome"})

var ingestionChunks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "docbot_ingested_chunks_total",
	Help: "Chunks written by completed ingestion runs.",
})

var dependencyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "docbot_dependency_latency_seconds",
	Help:    "Latency of external service calls.",
	Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
}, []string{"service"})

var jobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docbot_jobs_dispatched_total",
	Help: "Ingestion jobs handed to the dispatcher, by dispatcher and result.",
}, []string{"dispatcher", "result"})

var relayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docbot_relay_deliveries_total",
	Help: "Callback deliveries attempted by the relay, by result.",
}, []string{"result"})

var activeIngestions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "docbot_active_ingestions",
	Help: "Number of ingestion runs in progress",
})

var chatStreams = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "docbot_chat_streams_total",
	Help: "Chat answers by outcome.",
}, []string{"outcome"})

func CaptureDependencyLatency(service string, elapsed time.Duration) {
	dependencyLatency.WithLabelValues(service).Observe(elapsed.Seconds())
}

func CaptureIngestion(outcome string, elapsed time.Duration, chunks int) {
	ingestionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if chunks > 0 {
		ingestionChunks.Add(float64(chunks))
	}
}

func IncrementActiveIngestions() { activeIngestions.Inc() }
func DecrementActiveIngestions() { activeIngestions.Dec() }

func CountDispatch(dispatcher, result string) {
	jobsDispatched.WithLabelValues(dispatcher, result).Inc()
}

func CountRelayDelivery(result string) {
	relayDeliveries.WithLabelValues(result).Inc()
}

func CountChatStream(outcome string) {
	chatStreams.WithLabelValues(outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware counts requests by chi route pattern and final status. The
// wrapped writer keeps http.Flusher so streamed responses still flush.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
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
		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
