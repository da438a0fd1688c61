// Package api exposes the assignment operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/assignment-service/internal/assign"
	"github.com/sells-group/assignment-service/internal/model"
)

// Service is the assignment surface served by the API.
type Service interface {
	AssignServiceRequest(ctx context.Context, requestID string) (*model.AssignmentResult, error)
	ManualAssignment(ctx context.Context, cmd assign.ManualAssignmentCommand) (*model.AssignmentResult, error)
	OverrideAssignment(ctx context.Context, cmd assign.OverrideCommand) (*model.AssignmentResult, error)
	GetRecommendations(ctx context.Context, requestID string, limit int) (*model.Recommendations, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	MetricsEnabled bool
	MetricsPath    string
}

type handler struct {
	svc    Service
	health Pinger
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, health Pinger, opts Options) http.Handler {
	h := &handler{svc: svc, health: health}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.healthz)
	if opts.MetricsEnabled {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler())
	}

	r.Route("/v1/requests/{id}", func(r chi.Router) {
		r.Post("/assign", h.assign)
		r.Post("/manual-assignment", h.manualAssignment)
		r.Post("/override", h.override)
		r.Get("/recommendations", h.recommendations)
	})

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) assign(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.AssignServiceRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type manualAssignmentBody struct {
	CAID                   string `json:"ca_id"`
	AdminID                string `json:"admin_id"`
	Reason                 string `json:"reason"`
	OverrideSpecialization bool   `json:"override_specialization"`
}

func (h *handler) manualAssignment(w http.ResponseWriter, r *http.Request) {
	var body manualAssignmentBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.svc.ManualAssignment(r.Context(), assign.ManualAssignmentCommand{
		RequestID:              chi.URLParam(r, "id"),
		CAID:                   body.CAID,
		AdminID:                body.AdminID,
		Reason:                 body.Reason,
		OverrideSpecialization: body.OverrideSpecialization,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overrideBody struct {
	NewCAID string `json:"new_ca_id"`
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

func (h *handler) override(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := h.svc.OverrideAssignment(r.Context(), assign.OverrideCommand{
		RequestID: chi.URLParam(r, "id"),
		NewCAID:   body.NewCAID,
		AdminID:   body.AdminID,
		Reason:    body.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) recommendations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Code: string(assign.CodeInvalidInput)})
			return
		}
		limit = n
	}

	recs, err := h.svc.GetRecommendations(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps the assignment error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case assign.IsValidation(err):
		switch assign.CodeOf(err) {
		case assign.CodeRequestNotFound, assign.CodeFirmNotFound:
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case assign.IsPermission(err):
		return http.StatusForbidden
	case assign.IsStateConflict(err):
		return http.StatusConflict
	case assign.IsCollaboratorUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Code: string(assign.CodeOf(err))})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: string(assign.CodeInvalidInput)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
