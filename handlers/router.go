package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		requestDurationSeconds.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func NewRouter(h *ThreatHandler) *mux.Router {
	r := mux.NewRouter()

	api := r.NewRoute().Subrouter()
	api.Use(instrument)
	api.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/train", h.HandleTrain).Methods(http.MethodPost)
	api.HandleFunc("/batch", h.HandleBatch).Methods(http.MethodPost)
	api.HandleFunc("/analyze", h.HandleAnalyze).Methods(http.MethodGet)
	api.HandleFunc("/model", h.HandleModel).Methods(http.MethodGet)

	r.Path("/metrics").Handler(promhttp.Handler())

	return r
}
