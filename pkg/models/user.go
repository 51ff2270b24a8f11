package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an opaque caller identity. Credential issuance lives with an
// external identity provider; simvault only ever checks membership and role
// through the authorization cache.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
