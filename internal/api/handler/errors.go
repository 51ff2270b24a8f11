package handler

import (
	"errors"
	"net/http"

	"github.com/carevista/simvault/internal/api/response"
	"github.com/carevista/simvault/internal/authz"
	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/internal/restore"
	"github.com/carevista/simvault/internal/sim"
	"github.com/carevista/simvault/internal/store"
)

// writeServiceError maps engine errors onto the API error envelope.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, authz.ErrPermissionDenied):
		response.Error(w, http.StatusForbidden, "PERMISSION_DENIED",
			"You do not have the required role on this tenant", nil)
	case errors.Is(err, restore.ErrRestoreInProgress):
		w.Header().Set("Retry-After", "5")
		response.Error(w, http.StatusConflict, "RESTORE_IN_PROGRESS",
			"A materialize or reset is already running for this tenant; retry after backoff", nil)
	case errors.Is(err, sim.ErrInstructorExists):
		response.Error(w, http.StatusConflict, "INSTRUCTOR_EXISTS",
			"This tenant already has an instructor", nil)
	case errors.Is(err, registry.ErrSchemaCycle):
		response.Error(w, http.StatusInternalServerError, "SCHEMA_CYCLE",
			"Tenant-scoped tables form a dependency cycle; contact the operator", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
