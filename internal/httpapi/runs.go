// Package httpapi exposes the public control surface: starting runs,
// querying their status, and streaming their progress events.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/controller"
	"github.com/scanforge/orchestrator/internal/models"
	"github.com/scanforge/orchestrator/internal/state"
	"github.com/scanforge/orchestrator/internal/streaming"
)

// RunService is the controller surface the API needs. Narrowed to an
// interface so handlers are testable without a live queue fabric.
type RunService interface {
	StartRun(ctx context.Context, req controller.StartRequest) (string, error)
	Status(ctx context.Context, runID string) (*controller.RunStatus, error)
	List(ctx context.Context) ([]*controller.RunStatus, error)
}

// RunHandler serves the /api/v1/runs routes.
type RunHandler struct {
	svc    RunService
	bus    *streaming.Bus
	logger *zap.Logger
}

// NewRunHandler creates the run API handler.
func NewRunHandler(svc RunService, bus *streaming.Bus, logger *zap.Logger) *RunHandler {
	return &RunHandler{svc: svc, bus: bus, logger: logger}
}

// RegisterRoutes registers the run routes on the provided mux.
func (h *RunHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/runs", h.handleRuns)
	mux.HandleFunc("/api/v1/runs/", h.handleRun)
	mux.HandleFunc("/health", h.handleHealth)
}

// startRunRequest is the expected payload for starting a run.
type startRunRequest struct {
	Company       string `json:"company"`
	Website       string `json:"website,omitempty"`
	ThesisType    string `json:"thesis_type,omitempty"`
	Depth         string `json:"depth,omitempty"`
	MaxIterations *int   `json:"max_iterations,omitempty"`
}

func (h *RunHandler) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.startRun(w, r)
	case http.MethodGet:
		h.listRuns(w, r)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *RunHandler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("start-run decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Company == "" {
		http.Error(w, `{"error":"company is required"}`, http.StatusBadRequest)
		return
	}

	runID, err := h.svc.StartRun(r.Context(), controller.StartRequest{
		Company:       req.Company,
		Website:       req.Website,
		ThesisType:    req.ThesisType,
		Depth:         models.DepthLevel(req.Depth),
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		h.logger.Error("failed to start run", zap.String("company", req.Company), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

func (h *RunHandler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRun serves /api/v1/runs/{id} and /api/v1/runs/{id}/events.
func (h *RunHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if rest == "" {
		http.Error(w, `{"error":"run id required"}`, http.StatusBadRequest)
		return
	}
	if runID, ok := strings.CutSuffix(rest, "/events"); ok {
		h.handleEvents(w, r, runID)
		return
	}
	if strings.Contains(rest, "/") {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	status, err := h.svc.Status(r.Context(), rest)
	if errors.Is(err, state.ErrNotFound) {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *RunHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StartServer starts the control API server on the given port. healthHandler
// may be nil when dependency checks are not configured; /health stays a plain
// liveness probe either way.
func StartServer(port int, handler *RunHandler, healthHandler http.Handler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if healthHandler != nil {
		mux.Handle("/healthz", healthHandler)
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Starting control API server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Control API server failed", zap.Error(err))
		}
	}()
	return srv
}
