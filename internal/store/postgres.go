package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, parent_id, kind, routing_handle, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.ParentID, t.Kind, t.RoutingHandle, t.Status, t.ExpiresAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, kind, routing_handle, status, expires_at, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.ParentID, &t.Kind, &t.RoutingHandle, &t.Status, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTenantStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenantsDue returns ephemeral tenants in the given status whose expiry
// passed before the cutoff, oldest first. The sweep calls this twice per
// cycle: once for active tenants to mark expiring, once for expiring tenants
// past the grace window.
func (s *PostgresStore) ListTenantsDue(ctx context.Context, status string, before time.Time, limit int) ([]*models.Tenant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, parent_id, kind, routing_handle, status, expires_at, created_at, updated_at
		 FROM tenants
		 WHERE kind = 'ephemeral' AND status = $1 AND expires_at IS NOT NULL AND expires_at < $2
		 ORDER BY expires_at ASC LIMIT $3`, status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list tenants due: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.ParentID, &t.Kind, &t.RoutingHandle, &t.Status,
			&t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// --- Templates ---

func (s *PostgresStore) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	var tpl models.Template
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, created_at, updated_at FROM templates WHERE id = $1`, id,
	).Scan(&tpl.ID, &tpl.TenantID, &tpl.Name, &tpl.CreatedAt, &tpl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &tpl, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO templates (id, tenant_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tpl.ID, tpl.TenantID, tpl.Name, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// --- Snapshots ---

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, template_id, document, captured_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.TemplateID, snap.Document, snap.CapturedAt, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT id, template_id, document, captured_at, created_at FROM snapshots WHERE id = $1`, id,
	).Scan(&snap.ID, &snap.TemplateID, &snap.Document, &snap.CapturedAt, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, templateID uuid.UUID) ([]*models.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, template_id, document, captured_at, created_at
		 FROM snapshots WHERE template_id = $1 ORDER BY captured_at DESC`, templateID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		var snap models.Snapshot
		if err := rows.Scan(&snap.ID, &snap.TemplateID, &snap.Document, &snap.CapturedAt, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// --- Simulation Instances ---

var validInstanceTransitions = map[string][]string{
	models.SimulationStatusPending: {models.SimulationStatusRunning},
	models.SimulationStatusRunning: {models.SimulationStatusPaused, models.SimulationStatusCompleted},
	models.SimulationStatusPaused:  {models.SimulationStatusRunning, models.SimulationStatusCompleted},
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.SimulationInstance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO simulation_instances (id, snapshot_id, template_id, tenant_id, status, started_at, ended_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.SnapshotID, inst.TemplateID, inst.TenantID, inst.Status,
		inst.StartedAt, inst.EndedAt, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create simulation instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id uuid.UUID) (*models.SimulationInstance, error) {
	var inst models.SimulationInstance
	err := s.pool.QueryRow(ctx,
		`SELECT id, snapshot_id, template_id, tenant_id, status, started_at, ended_at, created_at, updated_at
		 FROM simulation_instances WHERE id = $1`, id,
	).Scan(&inst.ID, &inst.SnapshotID, &inst.TemplateID, &inst.TenantID, &inst.Status,
		&inst.StartedAt, &inst.EndedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get simulation instance: %w", err)
	}
	return &inst, nil
}

func (s *PostgresStore) UpdateInstanceStatus(ctx context.Context, id uuid.UUID, status string) error {
	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM simulation_instances WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get instance status: %w", err)
	}

	valid := false
	for _, a := range validInstanceTransitions[currentStatus] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid simulation status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE simulation_instances SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.SimulationStatusRunning && currentStatus == models.SimulationStatusPending {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status == models.SimulationStatusCompleted {
		query += fmt.Sprintf(", ended_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteInstancesByTenant(ctx context.Context, tenantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM simulation_instances WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete instances by tenant: %w", err)
	}
	return nil
}

// --- Memberships ---

func (s *PostgresStore) UpsertMembership(ctx context.Context, m *models.Membership) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (id, user_id, tenant_id, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, tenant_id) DO UPDATE SET
		   role = EXCLUDED.role,
		   active = EXCLUDED.active,
		   updated_at = NOW()`,
		m.ID, m.UserID, m.TenantID, m.Role, m.Active, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// UpsertInstructorMembership grants the instructor role inside a single
// transaction. The tenant row is locked FOR UPDATE so concurrent grants on an
// ephemeral tenant serialize; a different active instructor already present
// returns ErrInstructorExists. Re-granting to the same user is idempotent.
func (s *PostgresStore) UpsertInstructorMembership(ctx context.Context, m *models.Membership) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin instructor upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	var kind string
	err = tx.QueryRow(ctx, `SELECT kind FROM tenants WHERE id = $1 FOR UPDATE`, m.TenantID).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock tenant for instructor upsert: %w", err)
	}

	if kind == models.TenantKindEphemeral {
		var taken bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM memberships
			   WHERE tenant_id = $1 AND role = $2 AND active AND user_id <> $3)`,
			m.TenantID, models.RoleInstructor, m.UserID).Scan(&taken)
		if err != nil {
			return fmt.Errorf("check existing instructor: %w", err)
		}
		if taken {
			return ErrInstructorExists
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memberships (id, user_id, tenant_id, role, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, tenant_id) DO UPDATE SET
		   role = EXCLUDED.role,
		   active = EXCLUDED.active,
		   updated_at = NOW()`,
		m.ID, m.UserID, m.TenantID, models.RoleInstructor, m.Active, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert instructor membership: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, userID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, tenant_id, role, active, created_at, updated_at
		 FROM memberships WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var members []*models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.TenantID, &m.Role, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

func (s *PostgresStore) DeleteMembershipsByTenant(ctx context.Context, tenantID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memberships WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("delete memberships by tenant: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
