package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/generate"
	"github.com/gengate/gengate/internal/observability"
	"github.com/gengate/gengate/internal/period"
	"github.com/google/uuid"
)

// maxRequestBodyBytes caps generation request bodies. Inputs are short
// structured fields, so 256 KiB is generous.
const maxRequestBodyBytes = 256 << 10

type generateRequest struct {
	Identity        string            `json:"identity"`
	Timezone        string            `json:"timezone"`
	Kind            string            `json:"kind"`
	Timeframe       string            `json:"timeframe"`
	Variant         string            `json:"variant,omitempty"`
	Inputs          []string          `json:"inputs"`
	ProviderInputs  map[string]string `json:"provider_inputs,omitempty"`
	HasUpstreamData bool              `json:"has_upstream_data,omitempty"`
}

type generateResponse struct {
	Payload   json.RawMessage `json:"payload"`
	FromCache bool            `json:"from_cache"`
	Model     string          `json:"model,omitempty"`
	CostUSD   float64         `json:"cost_usd,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// generateHandler is the API route every generation request passes through.
// Typed pipeline rejections map to dedicated status codes so clients can
// distinguish "slow down" from "out of budget" from "someone else is on it".
func generateHandler(orch *generate.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if req.Identity == "" || req.Kind == "" {
			writeError(w, http.StatusBadRequest, "identity and kind are required")
			return
		}
		tf := period.Timeframe(req.Timeframe)
		if !tf.Valid() {
			writeError(w, http.StatusBadRequest, "invalid timeframe")
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		res, err := orch.Generate(r.Context(), &generate.Request{
			Identity:        req.Identity,
			Timezone:        req.Timezone,
			Kind:            req.Kind,
			Timeframe:       tf,
			Variant:         req.Variant,
			Inputs:          req.Inputs,
			ProviderInputs:  req.ProviderInputs,
			HasUpstreamData: req.HasUpstreamData,
			RequestID:       requestID,
		})
		if err != nil {
			writeGenerateError(w, logger, requestID, err)
			return
		}

		writeJSON(w, http.StatusOK, generateResponse{
			Payload:   res.Payload,
			FromCache: res.FromCache,
			Model:     res.Model,
			CostUSD:   res.CostUSD,
		})
	}
}

func writeGenerateError(w http.ResponseWriter, logger *slog.Logger, requestID string, err error) {
	var rlErr *generate.RateLimitError
	if errors.As(err, &rlErr) {
		retryAfter := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, rlErr.Error())
		return
	}

	var budgetErr *generate.BudgetError
	if errors.As(err, &budgetErr) {
		// Budget exhaustion reads as the service being out of capacity,
		// not a client fault. The typed body keeps it distinguishable
		// from a dead store.
		writeError(w, http.StatusServiceUnavailable, budgetErr.Error())
		return
	}

	var busyErr *generate.LockBusyError
	if errors.As(err, &busyErr) {
		writeError(w, http.StatusConflict, busyErr.Error())
		return
	}

	if errors.Is(err, generate.ErrStoreUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	logger.Error("generation request failed", "request_id", requestID, "error", err)
	writeError(w, http.StatusBadGateway, "generation failed")
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request durations labeled by method and status code.
func instrument(metrics *observability.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.PromRequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// configHandler serves a redacted view of the running configuration. Redis
// connection details and all secret-bearing sections are omitted entirely.
func configHandler(getCfg func() *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		cfg := getCfg()
		writeJSON(w, http.StatusOK, map[string]any{
			"server":     cfg.Server,
			"admin":      cfg.Admin,
			"rate_limit": cfg.RateLimit,
			"budget": map[string]any{
				"daily_limit_usd": cfg.Budget.DailyLimitUSD,
				"fail_mode":       cfg.Budget.FailMode,
				"priced_models":   len(cfg.Budget.Prices),
			},
			"locks":     cfg.Locks,
			"content":   cfg.Content,
			"generator": cfg.Generator,
			"refresh":   cfg.Refresh,
		})
	}
}

// statsHandler serves the atomic counter snapshot as JSON.
func statsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
