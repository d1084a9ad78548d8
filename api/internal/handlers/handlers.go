package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"event-tracking-service/api/internal/health"
	"event-tracking-service/api/internal/ingest"
	"event-tracking-service/api/internal/models"
	"event-tracking-service/shared/httpx"
	"event-tracking-service/shared/logx"
	"event-tracking-service/shared/metricsx"
)

const (
	msgEventsRequired   = "Events array is required"
	msgProcessFailed    = "Failed to process events"
	msgStatsFailed      = "Failed to fetch daily stats"
	msgBodyTooLarge     = "request body too large"
	msgRouteNotFound    = "route not found"
	msgHealthCheckError = "Health check failed"
)

type Ingester interface {
	Process(ctx context.Context, items []json.RawMessage) (ingest.Result, error)
}

type DailyStats interface {
	Daily(ctx context.Context) ([]models.DailySiteStats, error)
}

type HealthReporter interface {
	Health(ctx context.Context) health.Health
	Live() health.Live
	Ready(ctx context.Context) health.Ready
	Info() health.Info
}

type MetricsSource interface {
	Snapshot() metricsx.Snapshot
}

type Handlers struct {
	Ingest       Ingester
	Stats        DailyStats
	Health       HealthReporter
	Metrics      MetricsSource
	Prometheus   http.Handler
	Logger       logx.Logger
	MaxBodyBytes int64
}

type dailyStatsResponse struct {
	Data []models.DailySiteStats `json:"data"`
}

func (h Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /events", h.postEvents)
	mux.HandleFunc("GET /stats/daily", h.getDailyStats)
	mux.HandleFunc("GET /health", h.getHealth)
	mux.HandleFunc("GET /health/live", h.getLive)
	mux.HandleFunc("GET /health/ready", h.getReady)
	mux.HandleFunc("GET /metrics", h.getMetrics)
	mux.HandleFunc("GET /info", h.getInfo)
	if h.Prometheus != nil {
		mux.Handle("GET /metrics/prometheus", h.Prometheus)
	}
}

// NotFound is the fallback for paths no route matches.
func NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, msgRouteNotFound)
	})
}

func (h Handlers) postEvents(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := httpx.DecodeJSON(w, r, h.MaxBodyBytes, &body); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, msgEventsRequired)
		return
	}

	items, err := ingest.DecodeBatch(body["events"])
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, msgEventsRequired)
		return
	}

	res, err := h.Ingest.Process(r.Context(), items)
	if err != nil {
		h.Logger.Error(r.Context(), "ingest_failed", "batch processing failed",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.Int("batch_size", len(items)),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, msgProcessFailed)
		return
	}

	h.Logger.Info(r.Context(), "events_ingested", "batch processed",
		slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
		slog.Int("batch_size", len(items)),
		slog.Int("processed", res.Processed),
		slog.Int("duplicates", res.Duplicates),
		slog.Int("errors", len(res.Errors)),
	)
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (h Handlers) getDailyStats(w http.ResponseWriter, r *http.Request) {
	data, err := h.Stats.Daily(r.Context())
	if err != nil {
		h.Logger.Error(r.Context(), "stats_failed", "daily stats failed",
			slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, http.StatusInternalServerError, msgStatsFailed)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dailyStatsResponse{Data: data})
}

func (h Handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	status := h.Health.Health(r.Context())
	code := http.StatusOK
	if status.Status != health.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, status)
}

func (h Handlers) getLive(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"alive": false,
				"error": msgHealthCheckError,
			})
		}
	}()
	httpx.WriteJSON(w, http.StatusOK, h.Health.Live())
}

func (h Handlers) getReady(w http.ResponseWriter, r *http.Request) {
	ready := h.Health.Ready(r.Context())
	code := http.StatusOK
	if !ready.Ready {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, ready)
}

func (h Handlers) getMetrics(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

func (h Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, h.Health.Info())
}
