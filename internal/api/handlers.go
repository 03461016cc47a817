package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/flowrun/internal/artifacts"
	"github.com/flexinfer/flowrun/internal/config"
	"github.com/flexinfer/flowrun/internal/engine"
	"github.com/flexinfer/flowrun/internal/planstore"
	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/internal/validator"
	"github.com/flexinfer/flowrun/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.RunStore
	engine    *engine.Engine
	plans     planstore.PlanStore
	validator *validator.Validator
	artifacts *artifacts.Service
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.RunStore, eng *engine.Engine, plans planstore.PlanStore, v *validator.Validator, art *artifacts.Service, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		engine:    eng,
		plans:     plans,
		validator: v,
		artifacts: art,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run Management ---

// CreateRunRequest is the request body for creating a run. Either Plan or
// PlanID must be set.
type CreateRunRequest struct {
	Name      string      `json:"name"`
	Plan      *types.Plan `json:"plan,omitempty"`
	PlanID    string      `json:"plan_id,omitempty"`
	AutoStart bool        `json:"auto_start,omitempty"` // Start execution immediately
}

// CreateRunResponse is the response body after creating a run.
type CreateRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	plan := req.Plan
	if plan == nil && req.PlanID != "" {
		stored, err := h.plans.Get(ctx, req.PlanID)
		if err != nil {
			if errors.Is(err, planstore.ErrPlanNotFound) {
				h.respondError(w, r, http.StatusNotFound, "plan not found", err)
				return
			}
			h.respondError(w, r, http.StatusInternalServerError, "failed to load plan", err)
			return
		}
		plan = stored.Plan
		if req.Name == "" {
			req.Name = stored.Name
		}
	}
	if plan == nil {
		h.respondError(w, r, http.StatusBadRequest, "plan or plan_id is required", errors.New("missing plan"))
		return
	}

	runID, err := h.engine.Submit(ctx, req.Name, plan)
	if err != nil {
		var vErr *engine.ValidationFailedError
		if errors.As(err, &vErr) {
			details := make([]map[string]string, 0, len(vErr.Errors))
			for _, e := range vErr.Errors {
				details = append(details, map[string]string{"path": e.Path, "message": e.Message})
			}
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidPlan, "plan validation failed", map[string]interface{}{
				"errors": details,
			})
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to create run", err)
		return
	}

	resp := CreateRunResponse{
		RunID:  runID,
		Status: "created",
	}

	if req.AutoStart {
		if err := h.engine.Start(ctx, runID); err != nil {
			h.logger.Error("failed to start run", "error", err, "runId", runID)
		} else {
			resp.Status = "running"
			resp.SSEURL = "/api/v1/runs/" + runID + "/events"
		}
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// StartRun handles POST /api/v1/runs/{id}/start
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}
	if meta.Status != types.RunStatusQueued {
		h.respondError(w, r, http.StatusConflict, "run is not queued", errors.New("status: "+string(meta.Status)))
		return
	}

	if err := h.engine.Start(ctx, runID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to start run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runId":  runID,
		"status": "running",
		"sseUrl": "/api/v1/runs/" + runID + "/events",
	})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	runIDs, err := h.store.ListRuns(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runIDs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]

	run, err := h.engine.Status(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, run)
}

// DeleteRun handles DELETE /api/v1/runs/{id}. The run is cancelled; event
// history stays until the store TTL expires it.
func (h *Handlers) DeleteRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]

	if err := h.engine.Cancel(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete run", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]

	if err := h.engine.Cancel(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to cancel run", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Plan Management ---

// CreatePlan handles POST /api/v1/plans
func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req planstore.CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if result := h.validator.ValidatePlan(req.Plan); !result.Valid {
		details := make([]map[string]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			details = append(details, map[string]string{"path": e.Path, "message": e.Message})
		}
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidPlan, "plan validation failed", map[string]interface{}{
			"errors": details,
		})
		return
	}

	stored, err := h.plans.Create(ctx, &req)
	if err != nil {
		if errors.Is(err, planstore.ErrPlanExists) {
			h.respondError(w, r, http.StatusConflict, "plan already exists", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to create plan", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, stored)
}

// GetPlan handles GET /api/v1/plans/{id}
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	stored, err := h.plans.Get(ctx, vars["id"])
	if err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			h.respondError(w, r, http.StatusNotFound, "plan not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get plan", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stored)
}

// UpdatePlan handles PUT /api/v1/plans/{id}
func (h *Handlers) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	var req planstore.UpdatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Plan != nil {
		if result := h.validator.ValidatePlan(req.Plan); !result.Valid {
			details := make([]map[string]string, 0, len(result.Errors))
			for _, e := range result.Errors {
				details = append(details, map[string]string{"path": e.Path, "message": e.Message})
			}
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeInvalidPlan, "plan validation failed", map[string]interface{}{
				"errors": details,
			})
			return
		}
	}

	stored, err := h.plans.Update(ctx, vars["id"], &req)
	if err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			h.respondError(w, r, http.StatusNotFound, "plan not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to update plan", err)
		return
	}

	h.respondJSON(w, http.StatusOK, stored)
}

// DeletePlan handles DELETE /api/v1/plans/{id}
func (h *Handlers) DeletePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if err := h.plans.Delete(ctx, vars["id"]); err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			h.respondError(w, r, http.StatusNotFound, "plan not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to delete plan", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListPlans handles GET /api/v1/plans
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	plans, err := h.plans.List(ctx, &planstore.ListOptions{
		CreatedBy: r.URL.Query().Get("created_by"),
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list plans", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

// ValidatePlan handles POST /api/v1/plans/validate
func (h *Handlers) ValidatePlan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	result := h.validator.ValidatePlanJSON(body)
	h.respondJSON(w, http.StatusOK, result)
}

// --- Artifacts ---

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]

	if _, err := h.store.GetRunMeta(ctx, runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	refs, err := h.artifacts.ListRun(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"artifacts": refs})
}

// ArtifactDownloadURL handles GET /api/v1/runs/{id}/artifacts/url?uri=...
func (h *Handlers) ArtifactDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	uri := r.URL.Query().Get("uri")
	if uri == "" {
		h.respondError(w, r, http.StatusBadRequest, "uri query parameter is required", errors.New("missing uri"))
		return
	}

	url, err := h.artifacts.DownloadURL(ctx, &artifacts.Ref{URI: uri}, 15*time.Minute)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to presign download", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- RunStore Diagnostics ---

// RunStoreInfo handles GET /api/v1/runstore/info
func (h *Handlers) RunStoreInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to get runstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// RunStoreSelfCheck handles GET /api/v1/runstore/selfcheck
func (h *Handlers) RunStoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Create a run, append an event, read it back, cancel it.
	start := time.Now()

	plan := &types.Plan{Nodes: []types.NodeSpec{{ID: "selfcheck"}}}
	runID, err := h.store.CreateRun(ctx, "_selfcheck", plan)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}

	_, err = h.store.AppendEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]string{"message": "selfcheck"},
	})
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	events, err := h.store.GetEventsSince(ctx, runID, 0)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	if err := h.store.CancelRun(ctx, runID); err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "selfcheck failed: cleanup", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)

	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"cause": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}
