package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"iot-threat-engine/analytics"
	"iot-threat-engine/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	anomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"device_id"},
	)

	threatTagsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threat_tags_total",
			Help: "Total number of threat tags assigned",
		},
		[]string{"tag"},
	)

	unknownProfileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unknown_profile_total",
			Help: "Batches containing readings without a baseline profile",
		},
		[]string{"key"},
	)

	readingsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readings_processed_total",
			Help: "Total number of readings processed",
		},
		[]string{"status"},
	)

	modelThreshold = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "model_threshold",
			Help: "Calibrated anomaly score threshold of the active model",
		},
	)
)

// Store is the persistence the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	SaveModel(ctx context.Context, model *analytics.ScoringModel) error
	SaveVerdicts(ctx context.Context, verdicts []analytics.Verdict) error
	GetVerdict(ctx context.Context, deviceID string) (*analytics.Verdict, error)
}

type ThreatHandler struct {
	store     Store
	rules     analytics.RuleSet
	fitOpts   analytics.FitOptions
	workers   int
	maxBody   int64
	logger    *zap.Logger
	processor atomic.Pointer[analytics.Processor]
}

type Options struct {
	Rules        analytics.RuleSet
	FitOptions   analytics.FitOptions
	Workers      int
	MaxBodyBytes int64
	Logger       *zap.Logger
}

func NewThreatHandler(store Store, opts Options) *ThreatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &ThreatHandler{
		store:   store,
		rules:   opts.Rules,
		fitOpts: opts.FitOptions,
		workers: opts.Workers,
		maxBody: maxBody,
		logger:  logger,
	}
}

// SetModel swaps in a new scoring model. Batches already running keep the
// model they started with.
func (h *ThreatHandler) SetModel(model *analytics.ScoringModel) {
	hooks := analytics.Hooks{
		OnAnomaly: func(deviceID string, tags []analytics.ThreatTag) {
			anomaliesDetectedTotal.WithLabelValues(deviceID).Inc()
			for _, t := range tags {
				threatTagsTotal.WithLabelValues(string(t)).Inc()
			}
		},
		OnUnknownProfile: func(key string) {
			unknownProfileTotal.WithLabelValues(key).Inc()
		},
	}
	p := analytics.NewProcessor(model, h.rules,
		analytics.WithWorkers(h.workers),
		analytics.WithHooks(hooks),
		analytics.WithLogger(h.logger))
	h.processor.Store(p)
	modelThreshold.Set(model.Threshold)
}

type readingsRequest struct {
	Readings []models.Reading `json:"readings"`
}

type TrainResponse struct {
	Status           string  `json:"status"`
	TrainingSize     int     `json:"training_size"`
	Trees            int     `json:"trees"`
	SubSampleSize    int     `json:"sub_sample_size"`
	Contamination    float64 `json:"contamination"`
	Threshold        float64 `json:"threshold"`
	DegenerateLeaves int     `json:"degenerate_leaves"`
}

type BatchResponse struct {
	BatchID            string                             `json:"batch_id"`
	Verdicts           []analytics.Verdict                `json:"verdicts"`
	Summary            map[string]analytics.DeviceSummary `json:"summary"`
	Anomalies          int                                `json:"anomalies"`
	Failed             int                                `json:"failed"`
	TagCounts          map[analytics.ThreatTag]int        `json:"tag_counts"`
	ThreatDescriptions map[analytics.ThreatTag]string     `json:"threat_descriptions"`
}

func (h *ThreatHandler) decodeReadings(w http.ResponseWriter, r *http.Request) ([]models.Reading, bool) {
	var req readingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return nil, false
	}
	if len(req.Readings) == 0 {
		writeError(w, http.StatusBadRequest, "readings must not be empty")
		return nil, false
	}
	return req.Readings, true
}

func (h *ThreatHandler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	readings, ok := h.decodeReadings(w, r)
	if !ok {
		return
	}
	for i, reading := range readings {
		if err := reading.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, "reading "+strconv.Itoa(i)+": "+err.Error())
			return
		}
	}

	start := time.Now()
	model, err := analytics.Fit(readings, h.fitOpts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.SaveModel(r.Context(), model); err != nil {
		h.logger.Error("failed to persist model", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to save model: "+err.Error())
		return
	}
	h.SetModel(model)

	h.logger.Info("model trained",
		zap.Int("training_size", model.TrainingSize),
		zap.Int("trees", len(model.Trees)),
		zap.Float64("threshold", model.Threshold),
		zap.Duration("took", time.Since(start)))

	writeJSON(w, http.StatusOK, modelSummary(model, "trained"))
}

func modelSummary(model *analytics.ScoringModel, status string) TrainResponse {
	return TrainResponse{
		Status:           status,
		TrainingSize:     model.TrainingSize,
		Trees:            len(model.Trees),
		SubSampleSize:    model.SubSampleSize,
		Contamination:    model.Contamination,
		Threshold:        model.Threshold,
		DegenerateLeaves: model.DegenerateLeaves,
	}
}

func (h *ThreatHandler) HandleModel(w http.ResponseWriter, r *http.Request) {
	p := h.processor.Load()
	if p == nil {
		writeError(w, http.StatusNotFound, "no model trained")
		return
	}
	writeJSON(w, http.StatusOK, modelSummary(p.Model(), "loaded"))
}

func (h *ThreatHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	p := h.processor.Load()
	if p == nil {
		writeError(w, http.StatusServiceUnavailable, "no model trained")
		return
	}

	readings, ok := h.decodeReadings(w, r)
	if !ok {
		return
	}
	if err := models.ValidateBatch(readings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batchID := uuid.NewString()
	verdicts, err := p.Process(readings)
	if err != nil {
		var mismatch *analytics.SchemaMismatchError
		if errors.As(err, &mismatch) {
			h.logger.Error("batch rejected", zap.String("batch_id", batchID), zap.Error(err))
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := BatchResponse{
		BatchID:   batchID,
		Verdicts:  verdicts,
		Summary:   analytics.Summarize(readings),
		Anomalies: analytics.CountAnomalies(verdicts),
		TagCounts: analytics.TagCounts(verdicts),
	}
	resp.ThreatDescriptions = make(map[analytics.ThreatTag]string, len(resp.TagCounts))
	for tag := range resp.TagCounts {
		resp.ThreatDescriptions[tag] = tag.Describe()
	}
	for _, v := range verdicts {
		if v.Failed() {
			resp.Failed++
		}
	}
	readingsProcessedTotal.WithLabelValues("scored").Add(float64(len(verdicts) - resp.Failed))
	readingsProcessedTotal.WithLabelValues("failed").Add(float64(resp.Failed))

	if err := h.store.SaveVerdicts(r.Context(), verdicts); err != nil {
		h.logger.Warn("failed to store verdicts", zap.String("batch_id", batchID), zap.Error(err))
	}

	h.logger.Info("batch processed",
		zap.String("batch_id", batchID),
		zap.Int("readings", len(readings)),
		zap.Int("anomalies", resp.Anomalies),
		zap.Int("failed", resp.Failed))

	writeJSON(w, http.StatusOK, resp)
}

func (h *ThreatHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id parameter is required")
		return
	}

	verdict, err := h.store.GetVerdict(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get analysis: "+err.Error())
		return
	}
	if verdict == nil {
		writeError(w, http.StatusNotFound, "no verdict for device "+deviceID)
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// HealthCheck reports unhealthy when the store cannot be reached.
func (h *ThreatHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("store ping failed", zap.Error(err))
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"model":     h.processor.Load() != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
