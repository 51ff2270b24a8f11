package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/carevista/simvault/internal/api/middleware"
	"github.com/carevista/simvault/internal/api/response"
	"github.com/carevista/simvault/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// MemberService defines the interface the membership handlers depend on.
type MemberService interface {
	AddMember(ctx context.Context, callerID, tenantID, userID uuid.UUID, role string) error
	RemoveMember(ctx context.Context, callerID, tenantID, userID uuid.UUID) error
}

var validRoles = map[string]bool{
	models.RoleInstructor:  true,
	models.RoleParticipant: true,
	models.RoleObserver:    true,
}

// NewAddMemberHandler returns the handler for
// POST /api/v1/tenants/{tenantID}/members.
func NewAddMemberHandler(svc MemberService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tenantID must be a UUID", nil)
			return
		}

		var req struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id must be a UUID", nil)
			return
		}
		if !validRoles[req.Role] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"role must be instructor, participant, or observer", nil)
			return
		}

		if err := svc.AddMember(r.Context(), callerID, tenantID, userID, req.Role); err != nil {
			writeServiceError(w, err)
			return
		}

		response.Created(w, map[string]string{
			"user_id":   userID.String(),
			"tenant_id": tenantID.String(),
			"role":      req.Role,
		})
	}
}

// NewRemoveMemberHandler returns the handler for
// DELETE /api/v1/tenants/{tenantID}/members/{userID}.
func NewRemoveMemberHandler(svc MemberService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tenantID must be a UUID", nil)
			return
		}
		userID, err := uuid.Parse(chi.URLParam(r, "userID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "userID must be a UUID", nil)
			return
		}

		if err := svc.RemoveMember(r.Context(), callerID, tenantID, userID); err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
