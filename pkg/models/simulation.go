package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SimulationStatusPending   = "pending"
	SimulationStatusRunning   = "running"
	SimulationStatusPaused    = "paused"
	SimulationStatusCompleted = "completed"
)

// SimulationInstance is one live use of a snapshot inside an ephemeral tenant.
// At most one instance may be running per tenant at a time (enforced by a
// partial unique index).
type SimulationInstance struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	SnapshotID uuid.UUID  `db:"snapshot_id" json:"snapshot_id"`
	TemplateID uuid.UUID  `db:"template_id" json:"template_id"`
	TenantID   uuid.UUID  `db:"tenant_id"   json:"tenant_id"`
	Status     string     `db:"status"      json:"status"`
	StartedAt  *time.Time `db:"started_at"  json:"started_at,omitempty"`
	EndedAt    *time.Time `db:"ended_at"    json:"ended_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}
