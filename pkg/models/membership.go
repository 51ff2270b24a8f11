package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleInstructor  = "instructor"
	RoleParticipant = "participant"
	RoleObserver    = "observer"
)

// Membership is the canonical user-to-tenant assignment. The authorization
// cache is a projection of this table; the table itself remains the source of
// truth and its writes never depend on cache state.
type Membership struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	Role      string    `db:"role"       json:"role"`
	Active    bool      `db:"active"     json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
