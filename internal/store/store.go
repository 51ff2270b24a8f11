package store

import (
	"context"
	"errors"
	"time"

	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInstructorExists is returned when a second instructor-role membership
// is attempted on an ephemeral tenant.
var ErrInstructorExists = errors.New("ephemeral tenant already has an instructor")

// Store is the data access interface for engine-owned tables. Tenant-scoped
// clinical rows are deliberately absent: the snapshot and restore engines
// address those generically through the entity registry, never through an
// enumerated accessor.
type Store interface {
	Ping(ctx context.Context) error

	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateTenantStatus(ctx context.Context, id uuid.UUID, status string) error
	ListTenantsDue(ctx context.Context, status string, before time.Time, limit int) ([]*models.Tenant, error)

	GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error)
	CreateTemplate(ctx context.Context, tpl *models.Template) error

	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	GetSnapshot(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, templateID uuid.UUID) ([]*models.Snapshot, error)

	CreateInstance(ctx context.Context, inst *models.SimulationInstance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*models.SimulationInstance, error)
	UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status string) error
	DeleteInstancesByTenant(ctx context.Context, tenantID uuid.UUID) error

	UpsertMembership(ctx context.Context, m *models.Membership) error
	UpsertInstructorMembership(ctx context.Context, m *models.Membership) error
	RemoveMembership(ctx context.Context, userID, tenantID uuid.UUID) error
	ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Membership, error)
	DeleteMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
}
