package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/lifecycle"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/traffic"
	"github.com/kjstillabower/prediction-subnet/internal/validation"
)

const maxBodyBytes = 1 << 20

// Predictor answers prediction requests. A nil answer means "no prediction".
type Predictor interface {
	Predict(ctx context.Context, req models.PredictionRequest) (*float64, error)
}

// HealthConfig holds thresholds for the miner health handler.
type HealthConfig struct {
	Window            time.Duration
	OverloadDeniedPct int
	DegradedErrorPct  int
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	// BreakerState, when set, reports the candle API circuit breaker state.
	BreakerState func() circuitbreaker.State
}

// Handler holds dependencies for the miner HTTP handlers.
type Handler struct {
	predictor        Predictor
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(predictor Predictor, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	return &Handler{
		predictor:    predictor,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// Generate handles POST /method/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req models.PredictionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object")
		return
	}
	req, err := validation.ValidatePredictionRequest(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	answer, err := h.predictor.Predict(r.Context(), req)
	if err != nil {
		traffic.RecordError()
		writeServiceError(w, r, err)
		return
	}
	traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, models.PredictionResponse{Answer: answer})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"candleApi": "healthy"}
	if result.reason == "error_rate_breach" || result.reason == "circuit_open" {
		checks["candleApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "prediction-miner",
		"version":   "dev",
		"phase":     lifecycle.Current().String(),
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	window := h.healthConfig.Window
	if window <= 0 {
		window = time.Minute
	}
	// Overloaded when rate-limit denials are a large share of recent traffic.
	if h.healthConfig.OverloadDeniedPct > 0 {
		total := traffic.RequestCount(window)
		if total > 0 && traffic.DenialCount(window)*100 >= total*h.healthConfig.OverloadDeniedPct {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if h.healthConfig.BreakerState != nil && h.healthConfig.BreakerState() == circuitbreaker.StateOpen {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(window)
		if total > 0 && errs*100 >= total*h.healthConfig.DegradedErrorPct {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes 504 when the request deadline passed and 503 for upstream failures.
// Logs the underlying error at DEBUG level if logger is available in request context.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Prediction timed out")
	} else {
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to compute prediction")
	}
	if logger := loggerFromRequest(r); logger != nil {
		logger.Debug("prediction failed", zap.Error(err))
	}
}

func loggerFromRequest(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return nil
}
