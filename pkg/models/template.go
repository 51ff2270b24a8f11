package models

import (
	"time"

	"github.com/google/uuid"
)

// Template is a named source of snapshots. It belongs to the standard tenant
// whose rows it captures; ephemeral tenants are provisioned underneath that
// same tenant.
type Template struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	TenantID  uuid.UUID `db:"tenant_id"  json:"tenant_id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
