// Package snapshot captures a tenant's tenant-scoped rows into an immutable,
// portable document. Capture is column-agnostic: rows are serialized whole,
// so new clinical columns and tables are picked up without code changes.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/internal/restore"
	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Capturer captures snapshots of template tenants.
type Capturer struct {
	pool *pgxpool.Pool
	reg  *registry.Registry
}

func NewCapturer(pool *pgxpool.Pool, reg *registry.Registry) *Capturer {
	return &Capturer{pool: pool, reg: reg}
}

// Capture serializes every tenant-scoped row of sourceTenantID into a new
// immutable snapshot owned by templateID. It runs in a single RepeatableRead
// transaction, so concurrent writes to the source tenant cannot leak a
// torn view into the document. A tenant currently under materialize or reset
// is rejected with ErrRestoreInProgress; plain concurrent reads and writes
// are never blocked.
func (c *Capturer) Capture(ctx context.Context, templateID, sourceTenantID uuid.UUID) (*models.Snapshot, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin capture tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Shared mode: captures of the same tenant may overlap each other, but
	// not an in-flight restore, which holds the lock exclusively.
	if err := restore.TryLock(ctx, tx, sourceTenantID, false); err != nil {
		return nil, err
	}

	entities, err := c.reg.Discover(ctx, tx)
	if err != nil {
		return nil, err
	}

	doc := models.SnapshotDocument{Entities: make(map[string][]models.Row, len(entities))}
	for _, ent := range entities {
		rows, err := captureEntity(ctx, tx, ent, sourceTenantID)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", ent.Name, err)
		}
		doc.Entities[ent.Name] = rows
	}

	now := time.Now().UTC()
	snap := &models.Snapshot{
		ID:         uuid.New(),
		TemplateID: templateID,
		Document:   doc,
		CapturedAt: now,
		CreatedAt:  now,
	}

	// Persisting inside the capture transaction keeps "captured" and
	// "persisted" one atomic step.
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (id, template_id, document, captured_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.TemplateID, snap.Document, snap.CapturedAt, snap.CreatedAt); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit capture tx: %w", err)
	}
	return snap, nil
}

// captureEntity reads all rows scoped to the tenant for one entity, each row
// as a whole jsonb document with its primary key and every column verbatim.
func captureEntity(ctx context.Context, tx pgx.Tx, ent registry.EntityDescriptor, tenantID uuid.UUID) ([]models.Row, error) {
	pk := pgx.Identifier{ent.PKColumn}.Sanitize()

	var sql string
	switch ent.Strategy {
	case registry.StrategyDirect:
		sql = fmt.Sprintf(
			`SELECT to_jsonb(t) FROM %s t WHERE t.%s = $1 ORDER BY t.%s::text`,
			pgx.Identifier{ent.Name}.Sanitize(),
			pgx.Identifier{ent.TenantColumn}.Sanitize(),
			pk)
	case registry.StrategyIndirect:
		sql = fmt.Sprintf(
			`SELECT to_jsonb(c) FROM %s c JOIN %s p ON c.%s = p.%s WHERE p.%s = $1 ORDER BY c.%s::text`,
			pgx.Identifier{ent.Name}.Sanitize(),
			pgx.Identifier{ent.ParentTable}.Sanitize(),
			pgx.Identifier{ent.ParentFK}.Sanitize(),
			pgx.Identifier{ent.ParentPK}.Sanitize(),
			pgx.Identifier{registry.TenantColumn}.Sanitize(),
			pk)
	default:
		return nil, fmt.Errorf("unknown scoping strategy %q", ent.Strategy)
	}

	rows, err := tx.Query(ctx, sql, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Empty, not nil: an entity with no rows is still part of the baseline.
	captured := make([]models.Row, 0)
	for rows.Next() {
		var row models.Row
		if err := rows.Scan(&row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		captured = append(captured, row)
	}
	return captured, rows.Err()
}
