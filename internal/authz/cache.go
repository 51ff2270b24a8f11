// Package authz is the denormalized authorization projection. Authorization
// checks would otherwise query the canonical memberships table from inside
// that table's own access policy, which recurses without bound. The
// projection breaks the cycle: it is populated by an explicit refresh after
// every membership write, and checks read only the projection, never the
// policy-gated path.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPermissionDenied is returned when the caller lacks the required role on
// the target tenant. Surfaced to the end user, never retried.
var ErrPermissionDenied = errors.New("permission denied")

// projectionTTL is a safety net: an orphaned projection (for example the
// loser of two concurrent refreshes) ages out and the next read rebuilds it.
const projectionTTL = 24 * time.Hour

// MembershipSource reads canonical memberships. The store satisfies it; the
// read happens outside any access policy, which is the whole point.
type MembershipSource interface {
	ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Membership, error)
}

// Cache is the recursion-free user-to-tenant-to-role projection, held in
// redis as a versioned hash per tenant plus a pointer key. Refresh writes a
// complete new hash and then flips the pointer, so concurrent readers see
// the old projection or the new one, never a mixture, and never block.
type Cache struct {
	client *redis.Client
	source MembershipSource
}

func NewCache(client *redis.Client, source MembershipSource) *Cache {
	return &Cache{client: client, source: source}
}

func pointerKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("authz:tenant:%s", tenantID)
}

func projectionKey(tenantID uuid.UUID, version string) string {
	return fmt.Sprintf("authz:tenant:%s:%s", tenantID, version)
}

// Refresh rebuilds the tenant's projection from the canonical membership
// table. It is called synchronously after every membership write; membership
// writes themselves never depend on the cache, so a failed refresh leaves
// the canonical data intact and the projection merely stale.
func (c *Cache) Refresh(ctx context.Context, tenantID uuid.UUID) error {
	members, err := c.source.ListMembershipsByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load canonical memberships: %w", err)
	}

	oldVersion, err := c.client.Get(ctx, pointerKey(tenantID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read projection pointer: %w", err)
	}

	version := uuid.NewString()[:8]
	newKey := projectionKey(tenantID, version)

	fields := make(map[string]string)
	for _, m := range members {
		if !m.Active {
			continue
		}
		fields[m.UserID.String()] = m.Role
	}

	pipe := c.client.TxPipeline()
	if len(fields) > 0 {
		pipe.HSet(ctx, newKey, fields)
	}
	pipe.Expire(ctx, newKey, projectionTTL)
	pipe.Set(ctx, pointerKey(tenantID), version, projectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write projection: %w", err)
	}

	if oldVersion != "" && oldVersion != version {
		// Best effort: an unreachable old hash expires on its own.
		c.client.Del(ctx, projectionKey(tenantID, oldVersion))
	}
	return nil
}

// RoleOf returns the caller's active role on the tenant, if any. A missing
// projection is rebuilt once, synchronously; established projections are
// read without ever waiting on an in-flight refresh.
func (c *Cache) RoleOf(ctx context.Context, userID, tenantID uuid.UUID) (string, bool, error) {
	role, found, err := c.lookup(ctx, userID, tenantID)
	if err != nil || found {
		return role, found, err
	}

	// No projection at all for this tenant yet: build it and retry.
	exists, err := c.client.Exists(ctx, pointerKey(tenantID)).Result()
	if err != nil {
		return "", false, fmt.Errorf("check projection pointer: %w", err)
	}
	if exists == 1 {
		return "", false, nil
	}
	if err := c.Refresh(ctx, tenantID); err != nil {
		return "", false, err
	}
	return c.lookup(ctx, userID, tenantID)
}

// IsMember reports whether the user is an active member of the tenant.
func (c *Cache) IsMember(ctx context.Context, userID, tenantID uuid.UUID) (bool, error) {
	_, found, err := c.RoleOf(ctx, userID, tenantID)
	return found, err
}

// Require returns ErrPermissionDenied unless the user holds one of the
// given roles on the tenant. With no roles listed, any active membership
// passes.
func (c *Cache) Require(ctx context.Context, userID, tenantID uuid.UUID, roles ...string) error {
	role, found, err := c.RoleOf(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: user %s has no active membership in tenant %s", ErrPermissionDenied, userID, tenantID)
	}
	if len(roles) == 0 {
		return nil
	}
	for _, r := range roles {
		if role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: user %s has role %s on tenant %s", ErrPermissionDenied, userID, role, tenantID)
}

func (c *Cache) lookup(ctx context.Context, userID, tenantID uuid.UUID) (string, bool, error) {
	version, err := c.client.Get(ctx, pointerKey(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read projection pointer: %w", err)
	}

	role, err := c.client.HGet(ctx, projectionKey(tenantID, version), userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read projection: %w", err)
	}
	return role, true, nil
}
