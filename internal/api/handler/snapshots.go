package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/carevista/simvault/internal/api/middleware"
	"github.com/carevista/simvault/internal/api/response"
	"github.com/carevista/simvault/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// SnapshotService defines the interface the snapshot handlers depend on.
type SnapshotService interface {
	CaptureSnapshot(ctx context.Context, callerID, templateID uuid.UUID) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, callerID, templateID uuid.UUID) ([]*models.Snapshot, error)
}

// snapshotSummary is what the API returns for a snapshot: metadata plus row
// counts, never the full document.
type snapshotSummary struct {
	ID         uuid.UUID      `json:"id"`
	TemplateID uuid.UUID      `json:"template_id"`
	CapturedAt time.Time      `json:"captured_at"`
	RowCounts  map[string]int `json:"row_counts"`
}

func summarize(s *models.Snapshot) snapshotSummary {
	counts := make(map[string]int, len(s.Document.Entities))
	for name, rows := range s.Document.Entities {
		counts[name] = len(rows)
	}
	return snapshotSummary{
		ID:         s.ID,
		TemplateID: s.TemplateID,
		CapturedAt: s.CapturedAt,
		RowCounts:  counts,
	}
}

// NewCaptureSnapshotHandler returns the handler for
// POST /api/v1/templates/{templateID}/snapshots.
func NewCaptureSnapshotHandler(svc SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "templateID must be a UUID", nil)
			return
		}

		snap, err := svc.CaptureSnapshot(r.Context(), callerID, templateID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Created(w, summarize(snap))
	}
}

// NewListSnapshotsHandler returns the handler for
// GET /api/v1/templates/{templateID}/snapshots.
func NewListSnapshotsHandler(svc SnapshotService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := middleware.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing caller identity", nil)
			return
		}

		templateID, err := uuid.Parse(chi.URLParam(r, "templateID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "templateID must be a UUID", nil)
			return
		}

		snaps, err := svc.ListSnapshots(r.Context(), callerID, templateID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		summaries := make([]snapshotSummary, 0, len(snaps))
		for _, s := range snaps {
			summaries = append(summaries, summarize(s))
		}
		response.JSON(w, summaries)
	}
}
