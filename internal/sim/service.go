// Package sim orchestrates simulation sessions: capture, launch (provision
// plus materialize), reset, and membership management. Every operation takes
// the caller's identity explicitly and checks it against the authorization
// projection before touching tenant data.
package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/carevista/simvault/internal/authz"
	"github.com/carevista/simvault/internal/restore"
	"github.com/carevista/simvault/internal/snapshot"
	"github.com/carevista/simvault/internal/store"
	"github.com/carevista/simvault/internal/tenant"
	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
)

// ErrInstructorExists is returned when a second instructor-role membership
// is attempted on an ephemeral tenant.
var ErrInstructorExists = store.ErrInstructorExists

// Service wires the engine components into caller-facing operations.
type Service struct {
	store      store.Store
	capturer   *snapshot.Capturer
	engine     *restore.Engine
	tenants    *tenant.Manager
	authz      *authz.Cache
	defaultTTL time.Duration
}

func NewService(s store.Store, c *snapshot.Capturer, e *restore.Engine, tm *tenant.Manager, az *authz.Cache, defaultTTL time.Duration) *Service {
	return &Service{store: s, capturer: c, engine: e, tenants: tm, authz: az, defaultTTL: defaultTTL}
}

// CaptureSnapshot captures the template's source tenant into a new snapshot.
// Instructor only.
func (s *Service) CaptureSnapshot(ctx context.Context, callerID, templateID uuid.UUID) (*models.Snapshot, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, tpl.TenantID, models.RoleInstructor); err != nil {
		return nil, err
	}
	return s.capturer.Capture(ctx, tpl.ID, tpl.TenantID)
}

// ListSnapshots lists the template's snapshots, newest first. Any active
// member of the template's tenant may read.
func (s *Service) ListSnapshots(ctx context.Context, callerID, templateID uuid.UUID) ([]*models.Snapshot, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, tpl.TenantID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, templateID)
}

// StartResult is everything a launched simulation hands back to the caller.
type StartResult struct {
	Instance *models.SimulationInstance
	Tenant   *models.Tenant
	Warnings []string
}

// Start provisions an ephemeral tenant, materializes the snapshot into it,
// makes the caller its instructor, and opens a running instance. Instructor
// role on the snapshot's source tenant is required.
func (s *Service) Start(ctx context.Context, callerID, snapshotID uuid.UUID, ttl time.Duration) (*StartResult, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.store.GetTemplate(ctx, snap.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, tpl.TenantID, models.RoleInstructor); err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	eph, err := s.tenants.Provision(ctx, tpl.TenantID, tpl.ID, ttl)
	if err != nil {
		return nil, err
	}

	warnings, err := s.engine.Materialize(ctx, snap, eph.ID)
	if err != nil {
		// The empty tenant is left to the expiry sweep; provisioning and
		// materialization stay independently retryable.
		return nil, fmt.Errorf("materialize snapshot %s into tenant %s: %w", snap.ID, eph.ID, err)
	}

	if err := s.addMembership(ctx, callerID, eph.ID, models.RoleInstructor); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &models.SimulationInstance{
		ID:         uuid.New(),
		SnapshotID: snap.ID,
		TemplateID: tpl.ID,
		TenantID:   eph.ID,
		Status:     models.SimulationStatusRunning,
		StartedAt:  &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	return &StartResult{Instance: inst, Tenant: eph, Warnings: warnings}, nil
}

// Reset reverts the instance's tenant to its snapshot baseline. Instructor
// on the ephemeral tenant only.
func (s *Service) Reset(ctx context.Context, callerID, instanceID uuid.UUID) ([]string, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, inst.TenantID, models.RoleInstructor); err != nil {
		return nil, err
	}
	snap, err := s.store.GetSnapshot(ctx, inst.SnapshotID)
	if err != nil {
		return nil, err
	}
	return s.engine.Reset(ctx, inst.TenantID, snap)
}

// Get returns the instance for any active member of its tenant.
func (s *Service) Get(ctx context.Context, callerID, instanceID uuid.UUID) (*models.SimulationInstance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, inst.TenantID); err != nil {
		return nil, err
	}
	return inst, nil
}

// UpdateStatus moves the instance through its pause/resume/complete state
// machine. Instructor only.
func (s *Service) UpdateStatus(ctx context.Context, callerID, instanceID uuid.UUID, status string) (*models.SimulationInstance, error) {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, callerID, inst.TenantID, models.RoleInstructor); err != nil {
		return nil, err
	}
	if err := s.store.UpdateInstanceStatus(ctx, instanceID, status); err != nil {
		return nil, err
	}
	return s.store.GetInstance(ctx, instanceID)
}

// AddMember assigns role to userID on the tenant and refreshes the
// authorization projection. Only the tenant's instructor may add members,
// and an ephemeral tenant can hold a single instructor.
func (s *Service) AddMember(ctx context.Context, callerID, tenantID, userID uuid.UUID, role string) error {
	if err := s.authz.Require(ctx, callerID, tenantID, models.RoleInstructor); err != nil {
		return err
	}
	return s.addMembership(ctx, userID, tenantID, role)
}

// RemoveMember deletes the membership and refreshes the projection.
func (s *Service) RemoveMember(ctx context.Context, callerID, tenantID, userID uuid.UUID) error {
	if err := s.authz.Require(ctx, callerID, tenantID, models.RoleInstructor); err != nil {
		return err
	}
	if err := s.store.RemoveMembership(ctx, userID, tenantID); err != nil {
		return err
	}
	return s.authz.Refresh(ctx, tenantID)
}

func (s *Service) addMembership(ctx context.Context, userID, tenantID uuid.UUID, role string) error {
	now := time.Now().UTC()
	m := &models.Membership{
		ID:        uuid.New(),
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Instructor grants go through the transactional variant: the store locks
	// the tenant row, so two concurrent grants on an ephemeral tenant
	// serialize and the loser gets ErrInstructorExists.
	var err error
	if role == models.RoleInstructor {
		err = s.store.UpsertInstructorMembership(ctx, m)
	} else {
		err = s.store.UpsertMembership(ctx, m)
	}
	if err != nil {
		return err
	}
	// Refresh is a side effect of the write, never a precondition: the
	// canonical row is already committed whatever happens here.
	return s.authz.Refresh(ctx, tenantID)
}
