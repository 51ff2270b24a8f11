package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TenantKindStandard  = "standard"
	TenantKindEphemeral = "ephemeral"
)

const (
	TenantStatusActive   = "active"
	TenantStatusExpiring = "expiring"
	TenantStatusDeleted  = "deleted"
)

// Tenant is an isolation boundary. Every tenant-scoped row in the database
// belongs to exactly one tenant. Ephemeral tenants back simulation sessions
// and always reference the standard tenant they were provisioned from.
type Tenant struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	ParentID      *uuid.UUID `db:"parent_id"      json:"parent_id,omitempty"`
	Kind          string     `db:"kind"           json:"kind"`
	RoutingHandle string     `db:"routing_handle" json:"routing_handle"`
	Status        string     `db:"status"         json:"status"`
	ExpiresAt     *time.Time `db:"expires_at"     json:"expires_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"     json:"updated_at"`
}

// IsEphemeral reports whether the tenant backs a simulation session.
func (t *Tenant) IsEphemeral() bool {
	return t.Kind == TenantKindEphemeral
}
