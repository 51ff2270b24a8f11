// Package tenant manages the lifecycle of ephemeral simulation tenants:
// provisioning with a unique routing handle, and the background expiry
// sweep that removes tenants whose time has run out. Provisioning never
// populates data; that is the restore engine's job, so the two steps stay
// independently retryable.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/internal/restore"
	"github.com/carevista/simvault/internal/store"
	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// handleAttempts bounds retries when a generated routing handle collides
// with an existing one. Collisions are close to impossible, so more than a
// few attempts means something else is wrong.
const handleAttempts = 3

// Refresher lets the sweep invalidate the authorization projection of a
// tenant it just deleted.
type Refresher interface {
	Refresh(ctx context.Context, tenantID uuid.UUID) error
}

// Manager provisions and expires ephemeral tenants.
type Manager struct {
	store     store.Store
	pool      *pgxpool.Pool
	reg       *registry.Registry
	refresher Refresher
	grace     time.Duration
}

func NewManager(s store.Store, pool *pgxpool.Pool, reg *registry.Registry, refresher Refresher, grace time.Duration) *Manager {
	return &Manager{store: s, pool: pool, reg: reg, refresher: refresher, grace: grace}
}

// Provision creates an empty ephemeral tenant under parentTenantID with a
// fresh routing handle, expiring after ttl. The template is validated to
// belong to the parent tenant, but no data is copied here.
func (m *Manager) Provision(ctx context.Context, parentTenantID, templateID uuid.UUID, ttl time.Duration) (*models.Tenant, error) {
	parent, err := m.store.GetTenant(ctx, parentTenantID)
	if err != nil {
		return nil, fmt.Errorf("load parent tenant: %w", err)
	}
	if parent.Kind != models.TenantKindStandard {
		return nil, fmt.Errorf("parent tenant %s is not a standard tenant", parentTenantID)
	}

	tpl, err := m.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tpl.TenantID != parentTenantID {
		return nil, fmt.Errorf("template %s does not belong to tenant %s", templateID, parentTenantID)
	}

	now := time.Now().UTC()
	expires := now.Add(ttl)

	for attempt := 0; attempt < handleAttempts; attempt++ {
		handle, err := NewRoutingHandle()
		if err != nil {
			return nil, err
		}

		t := &models.Tenant{
			ID:            uuid.New(),
			ParentID:      &parentTenantID,
			Kind:          models.TenantKindEphemeral,
			RoutingHandle: handle,
			Status:        models.TenantStatusActive,
			ExpiresAt:     &expires,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = m.store.CreateTenant(ctx, t)
		if errors.Is(err, store.ErrDuplicateKey) {
			slog.Warn("routing handle collision, regenerating", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("provision tenant: routing handle collided %d times", handleAttempts)
}

// ExpireDue advances due tenants through the expiry lifecycle: active
// tenants past their expiry become expiring, and expiring tenants past the
// grace window have all their scoped rows removed, children before parents.
// Safe to run concurrently from multiple workers; tenants are processed one
// at a time and a tenant already handled elsewhere is simply skipped.
func (m *Manager) ExpireDue(ctx context.Context) ([]uuid.UUID, error) {
	now := time.Now().UTC()

	due, err := m.store.ListTenantsDue(ctx, models.TenantStatusActive, now, 0)
	if err != nil {
		return nil, err
	}
	for _, t := range due {
		if err := m.store.UpdateTenantStatus(ctx, t.ID, models.TenantStatusExpiring); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		slog.Info("tenant marked expiring", "tenant_id", t.ID, "routing_handle", t.RoutingHandle)
	}

	graced, err := m.store.ListTenantsDue(ctx, models.TenantStatusExpiring, now.Add(-m.grace), 0)
	if err != nil {
		return nil, err
	}

	var deleted []uuid.UUID
	for _, t := range graced {
		if err := m.deleteTenantData(ctx, t.ID); err != nil {
			if errors.Is(err, restore.ErrRestoreInProgress) {
				// A restore is still running; the next sweep gets it.
				slog.Info("tenant busy, deferring deletion", "tenant_id", t.ID)
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, t.ID)
		slog.Info("tenant deleted", "tenant_id", t.ID, "routing_handle", t.RoutingHandle)

		if m.refresher != nil {
			if err := m.refresher.Refresh(ctx, t.ID); err != nil {
				slog.Warn("authorization refresh after tenant deletion failed", "tenant_id", t.ID, "error", err)
			}
		}
	}
	return deleted, nil
}

// deleteTenantData removes every row scoped to the tenant in reverse
// discovery order, then the tenant's engine rows, then marks the tenant row
// deleted. The row itself is kept so the routing handle is never reissued.
func (m *Manager) deleteTenantData(ctx context.Context, tenantID uuid.UUID) error {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin expiry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := restore.TryLock(ctx, tx, tenantID, true); err != nil {
		return err
	}

	entities, err := m.reg.Discover(ctx, tx)
	if err != nil {
		return err
	}

	for i := len(entities) - 1; i >= 0; i-- {
		ent := entities[i]
		var sql string
		switch ent.Strategy {
		case registry.StrategyDirect:
			sql = fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
				pgx.Identifier{ent.Name}.Sanitize(),
				pgx.Identifier{ent.TenantColumn}.Sanitize())
		case registry.StrategyIndirect:
			sql = fmt.Sprintf(`DELETE FROM %s c USING %s p WHERE c.%s = p.%s AND p.%s = $1`,
				pgx.Identifier{ent.Name}.Sanitize(),
				pgx.Identifier{ent.ParentTable}.Sanitize(),
				pgx.Identifier{ent.ParentFK}.Sanitize(),
				pgx.Identifier{ent.ParentPK}.Sanitize(),
				pgx.Identifier{registry.TenantColumn}.Sanitize())
		default:
			return fmt.Errorf("unknown scoping strategy %q", ent.Strategy)
		}
		if _, err := tx.Exec(ctx, sql, tenantID); err != nil {
			return fmt.Errorf("delete %s rows: %w", ent.Name, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM simulation_instances WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete simulation instances: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memberships WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`,
		tenantID, models.TenantStatusDeleted); err != nil {
		return fmt.Errorf("mark tenant deleted: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit expiry tx: %w", err)
	}
	return nil
}
