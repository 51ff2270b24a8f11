package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/carevista/simvault/internal/api/middleware"
	"github.com/carevista/simvault/internal/api/response"
	"github.com/carevista/simvault/internal/sim"
	"github.com/carevista/simvault/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SimulationService defines the interface the simulation handlers depend on.
type SimulationService interface {
	Start(ctx context.Context, callerID, snapshotID uuid.UUID, ttl time.Duration) (*sim.StartResult, error)
	Reset(ctx context.Context, callerID, instanceID uuid.UUID) ([]string, error)
	Get(ctx context.Context, callerID, instanceID uuid.UUID) (*models.SimulationInstance, error)
	UpdateStatus(ctx context.Context, callerID, instanceID uuid.UUID, status string) (*models.SimulationInstance, error)
}

type simulationResponse struct {
	Instance      *models.SimulationInstance `json:"instance"`
	TenantID      uuid.UUID                  `json:"tenant_id"`
	RoutingHandle string                     `json:"routing_handle,omitempty"`
}

// NewStartSimulationHandler returns the handler for POST /api/v1/simulations.
func NewStartSimulationHandler(svc SimulationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		var req struct {
			SnapshotID string `json:"snapshot_id"`
			TTLMinutes int    `json:"ttl_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		snapshotID, err := uuid.Parse(req.SnapshotID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "snapshot_id must be a UUID", nil)
			return
		}
		if req.TTLMinutes < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ttl_minutes must not be negative", nil)
			return
		}

		result, err := svc.Start(r.Context(), callerID, snapshotID, time.Duration(req.TTLMinutes)*time.Minute)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.CreatedWithWarnings(w, simulationResponse{
			Instance:      result.Instance,
			TenantID:      result.Tenant.ID,
			RoutingHandle: result.Tenant.RoutingHandle,
		}, result.Warnings)
	}
}

// NewResetSimulationHandler returns the handler for
// POST /api/v1/simulations/{simID}/reset.
func NewResetSimulationHandler(svc SimulationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		simID, err := uuid.Parse(chi.URLParam(r, "simID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "simID must be a UUID", nil)
			return
		}

		warnings, err := svc.Reset(r.Context(), callerID, simID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSONWithWarnings(w, map[string]string{"status": "reset"}, warnings)
	}
}

// NewGetSimulationHandler returns the handler for GET /api/v1/simulations/{simID}.
func NewGetSimulationHandler(svc SimulationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		simID, err := uuid.Parse(chi.URLParam(r, "simID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "simID must be a UUID", nil)
			return
		}

		inst, err := svc.Get(r.Context(), callerID, simID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, inst)
	}
}

var validStatusRequests = map[string]bool{
	models.SimulationStatusRunning:   true,
	models.SimulationStatusPaused:    true,
	models.SimulationStatusCompleted: true,
}

// NewUpdateSimulationHandler returns the handler for
// PATCH /api/v1/simulations/{simID}.
func NewUpdateSimulationHandler(svc SimulationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		simID, err := uuid.Parse(chi.URLParam(r, "simID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "simID must be a UUID", nil)
			return
		}

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if !validStatusRequests[req.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be running, paused, or completed", nil)
			return
		}

		inst, err := svc.UpdateStatus(r.Context(), callerID, simID, req.Status)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.JSON(w, inst)
	}
}
