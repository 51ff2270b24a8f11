// Package restore materializes snapshots into tenants and resets live
// tenants back to their snapshot baseline. Both operations run in a single
// transaction under an exclusive per-tenant advisory lock, so callers never
// observe a half-applied tenant.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Engine applies snapshots to tenants.
type Engine struct {
	pool *pgxpool.Pool
	reg  *registry.Registry
}

func NewEngine(pool *pgxpool.Pool, reg *registry.Registry) *Engine {
	return &Engine{pool: pool, reg: reg}
}

// Materialize inserts every row of the snapshot into a freshly provisioned
// tenant. Primary keys are preserved verbatim; only the tenant column of
// directly scoped entities is rewritten. Returns warnings for snapshot
// entities no longer discoverable (schema drift), which are skipped rather
// than aborting.
func (e *Engine) Materialize(ctx context.Context, snap *models.Snapshot, targetTenantID uuid.UUID) ([]string, error) {
	var warnings []string
	err := e.withTenantTx(ctx, targetTenantID, func(tx pgx.Tx, entities []registry.EntityDescriptor) error {
		warnings = driftWarnings(snap, entities)

		for _, ent := range entities {
			rows, ok := snap.Document.Entities[ent.Name]
			if !ok {
				continue
			}
			for _, row := range rows {
				if err := insertRow(ctx, tx, ent, row, targetTenantID, false); err != nil {
					return fmt.Errorf("materialize %s: %w", ent.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// Reset reverts a live tenant to the snapshot baseline without destroying
// the tenant. Session-added rows (primary key absent from the snapshot) are
// deleted child-first; baseline rows are then upserted parent-first,
// overwriting any in-session mutation while keeping their original primary
// keys.
func (e *Engine) Reset(ctx context.Context, targetTenantID uuid.UUID, snap *models.Snapshot) ([]string, error) {
	var warnings []string
	err := e.withTenantTx(ctx, targetTenantID, func(tx pgx.Tx, entities []registry.EntityDescriptor) error {
		warnings = driftWarnings(snap, entities)

		// Children before parents for deletes.
		for i := len(entities) - 1; i >= 0; i-- {
			ent := entities[i]
			rows, ok := snap.Document.Entities[ent.Name]
			if !ok {
				// Entity newer than the snapshot: leave it untouched.
				continue
			}
			if err := deleteSessionAdded(ctx, tx, ent, targetTenantID, baselineKeys(ent, rows)); err != nil {
				return fmt.Errorf("reset %s: %w", ent.Name, err)
			}
		}

		// Parents before children for upserts.
		for _, ent := range entities {
			rows, ok := snap.Document.Entities[ent.Name]
			if !ok {
				continue
			}
			for _, row := range rows {
				if err := insertRow(ctx, tx, ent, row, targetTenantID, true); err != nil {
					return fmt.Errorf("reset %s: %w", ent.Name, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// withTenantTx runs fn inside one transaction holding the tenant's exclusive
// advisory lock, with entity discovery done on the same connection. Any
// error, including caller cancellation, rolls the whole transaction back.
func (e *Engine) withTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(pgx.Tx, []registry.EntityDescriptor) error) error {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := TryLock(ctx, tx, tenantID, true); err != nil {
		return err
	}

	entities, err := e.reg.Discover(ctx, tx)
	if err != nil {
		return err
	}

	if err := fn(tx, entities); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restore tx: %w", err)
	}
	return nil
}

// driftWarnings reports snapshot entities that are no longer discoverable.
func driftWarnings(snap *models.Snapshot, entities []registry.EntityDescriptor) []string {
	known := make(map[string]bool, len(entities))
	for _, ent := range entities {
		known[ent.Name] = true
	}

	var missing []string
	for name := range snap.Document.Entities {
		if !known[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	warnings := make([]string, 0, len(missing))
	for _, name := range missing {
		w := fmt.Sprintf("entity %q in snapshot %s is no longer tenant-scoped; skipped", name, snap.ID)
		slog.Warn("schema drift", "snapshot_id", snap.ID, "entity", name)
		warnings = append(warnings, w)
	}
	return warnings
}

// insertRow writes one snapshot row into the live table.
// jsonb_populate_record does the column matching: snapshot columns that no
// longer exist are dropped, live columns absent from the snapshot become
// NULL. With upsert set, a surviving baseline row is overwritten in place,
// keyed by its preserved primary key.
func insertRow(ctx context.Context, tx pgx.Tx, ent registry.EntityDescriptor, row models.Row, tenantID uuid.UUID, upsert bool) error {
	doc := make(models.Row, len(row))
	for k, v := range row {
		doc[k] = v
	}
	if ent.Strategy == registry.StrategyDirect {
		doc[ent.TenantColumn] = tenantID.String()
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}

	table := pgx.Identifier{ent.Name}.Sanitize()
	sql := fmt.Sprintf(`INSERT INTO %s SELECT * FROM jsonb_populate_record(NULL::%s, $1::jsonb)`, table, table)
	if upsert {
		sql += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			conflictTarget(ent), updateSet(ent))
	}

	if _, err := tx.Exec(ctx, sql, payload); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	return nil
}

// conflictTarget renders the declared primary key column list for the
// upsert's ON CONFLICT clause.
func conflictTarget(ent registry.EntityDescriptor) string {
	target := ""
	for _, col := range ent.PKColumns {
		if target != "" {
			target += ", "
		}
		target += pgx.Identifier{col}.Sanitize()
	}
	return target
}

// updateSet builds the DO UPDATE assignment list over the live columns,
// excluding the declared primary key.
func updateSet(ent registry.EntityDescriptor) string {
	set := ""
	for _, col := range ent.Columns {
		if isPKColumn(ent, col) {
			continue
		}
		if set != "" {
			set += ", "
		}
		quoted := pgx.Identifier{col}.Sanitize()
		set += quoted + " = EXCLUDED." + quoted
	}
	return set
}

func isPKColumn(ent registry.EntityDescriptor, col string) bool {
	for _, pk := range ent.PKColumns {
		if pk == col {
			return true
		}
	}
	return false
}

// deleteSessionAdded removes the tenant's rows whose primary key is not in
// the snapshot baseline.
func deleteSessionAdded(ctx context.Context, tx pgx.Tx, ent registry.EntityDescriptor, tenantID uuid.UUID, keep []string) error {
	pk := pgx.Identifier{ent.PKColumn}.Sanitize()

	var sql string
	switch ent.Strategy {
	case registry.StrategyDirect:
		sql = fmt.Sprintf(
			`DELETE FROM %s WHERE %s = $1 AND NOT (%s::text = ANY($2::text[]))`,
			pgx.Identifier{ent.Name}.Sanitize(),
			pgx.Identifier{ent.TenantColumn}.Sanitize(),
			pk)
	case registry.StrategyIndirect:
		sql = fmt.Sprintf(
			`DELETE FROM %s c USING %s p WHERE c.%s = p.%s AND p.%s = $1 AND NOT (c.%s::text = ANY($2::text[]))`,
			pgx.Identifier{ent.Name}.Sanitize(),
			pgx.Identifier{ent.ParentTable}.Sanitize(),
			pgx.Identifier{ent.ParentFK}.Sanitize(),
			pgx.Identifier{ent.ParentPK}.Sanitize(),
			pgx.Identifier{registry.TenantColumn}.Sanitize(),
			pk)
	default:
		return fmt.Errorf("unknown scoping strategy %q", ent.Strategy)
	}

	if _, err := tx.Exec(ctx, sql, tenantID, keep); err != nil {
		return fmt.Errorf("delete session-added rows: %w", err)
	}
	return nil
}

// baselineKeys extracts the snapshot's primary key values as text.
func baselineKeys(ent registry.EntityDescriptor, rows []models.Row) []string {
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, pkText(row[ent.PKColumn]))
	}
	return keys
}

// pkText renders a JSON-decoded primary key value the way Postgres renders
// the column cast to text.
func pkText(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64)
	case json.Number:
		return k.String()
	default:
		return fmt.Sprintf("%v", k)
	}
}
