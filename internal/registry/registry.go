// Package registry discovers which tables participate in tenant-scoped data
// and the order they must be captured, restored, and deleted in. Discovery
// reads the store's own catalog metadata on every call, so new clinical
// tables join the snapshot engine without a code change.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
)

// TenantColumn is the column that marks a table as directly tenant-scoped.
const TenantColumn = "tenant_id"

type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyIndirect Strategy = "indirect"
)

// EntityDescriptor describes one discovered tenant-scoped table.
//
// PKColumn is the tenant-independent identity of a row: for a plain primary
// key it is that column, and for the common multi-tenant composite key
// (tenant_id, X) it is X. Materialize preserves PKColumn verbatim while
// rewriting the tenant column, which is how the same snapshot can live in
// several tenants at once with its printed identifiers intact.
type EntityDescriptor struct {
	Name         string
	Strategy     Strategy
	TenantColumn string // set for direct entities
	ParentTable  string // set for indirect entities
	ParentFK     string // column on this table referencing the parent
	ParentPK     string // referenced column on the parent
	PKColumn     string
	PKColumns    []string // full primary key as declared
	Columns      []string
	Rank         int
}

// Querier is the subset of pgx used by discovery. Both *pgxpool.Pool and
// pgx.Tx satisfy it, so discovery can run inside an engine transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Registry discovers tenant-scoped entities from Postgres catalog metadata.
type Registry struct {
	exclude map[string]struct{}
}

// engineTables are owned by simvault itself and never appear in snapshots.
var engineTables = []string{
	"tenants",
	"templates",
	"snapshots",
	"simulation_instances",
	"memberships",
	"users",
	"api_keys",
	"schema_migrations",
}

// New creates a Registry. Extra table names to exclude from discovery may be
// passed in addition to the engine-owned set.
func New(exclude ...string) *Registry {
	ex := make(map[string]struct{}, len(engineTables)+len(exclude))
	for _, t := range engineTables {
		ex[t] = struct{}{}
	}
	for _, t := range exclude {
		ex[t] = struct{}{}
	}
	return &Registry{exclude: ex}
}

type foreignKey struct {
	column    string
	refTable  string
	refColumn string
}

type tableInfo struct {
	columns []string
	pks     []string
	fks     []foreignKey
}

// Discover inspects the catalog and returns all tenant-scoped entities in
// dependency order: every entity appears after every entity it references.
// Tables carrying a tenant_id column are scoped directly; tables with a
// foreign key to a directly scoped table are scoped indirectly (one hop).
// Returns ErrSchemaCycle if foreign keys among participating tables form a
// cycle, since restore correctness depends on a strict order.
func (r *Registry) Discover(ctx context.Context, q Querier) ([]EntityDescriptor, error) {
	tables, err := r.loadCatalog(ctx, q)
	if err != nil {
		return nil, err
	}

	// Classify. Direct first, then one indirect hop off the direct set.
	direct := map[string]bool{}
	for name, info := range tables {
		if _, excluded := r.exclude[name]; excluded {
			continue
		}
		for _, col := range info.columns {
			if col == TenantColumn {
				direct[name] = true
				break
			}
		}
	}

	descriptors := map[string]*EntityDescriptor{}
	for name, info := range tables {
		if _, excluded := r.exclude[name]; excluded {
			continue
		}

		var d *EntityDescriptor
		if direct[name] {
			d = &EntityDescriptor{Name: name, Strategy: StrategyDirect, TenantColumn: TenantColumn}
		} else if fk, ok := anchorFK(info, direct); ok {
			d = &EntityDescriptor{
				Name:        name,
				Strategy:    StrategyIndirect,
				ParentTable: fk.refTable,
				ParentFK:    fk.column,
				ParentPK:    fk.refColumn,
			}
		} else {
			continue
		}

		logical, ok := logicalPK(info.pks, d.Strategy)
		if !ok {
			// Tables without a stable row identity cannot take part in the
			// baseline/session-added partition; leave them out.
			slog.Warn("entity skipped: no usable primary key",
				"table", name, "pk_columns", len(info.pks))
			continue
		}
		d.PKColumn = logical
		d.PKColumns = info.pks
		d.Columns = info.columns
		descriptors[name] = d
	}

	// Dependency edges: any foreign key between two participating tables,
	// parent before child. Self-references carry no ordering information.
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	edges := map[string][]string{}
	for _, name := range names {
		for _, fk := range tables[name].fks {
			if fk.refTable == name {
				continue
			}
			if _, ok := descriptors[fk.refTable]; ok {
				edges[fk.refTable] = append(edges[fk.refTable], name)
			}
		}
	}

	ordered, err := orderEntities(names, edges)
	if err != nil {
		return nil, err
	}

	result := make([]EntityDescriptor, 0, len(ordered))
	for rank, name := range ordered {
		d := descriptors[name]
		d.Rank = rank
		result = append(result, *d)
	}
	return result, nil
}

// logicalPK extracts the tenant-independent identity column from a declared
// primary key. Direct entities may use a plain key or the composite
// (tenant_id, X); indirect entities must use a plain key, since their rows
// carry no tenant column to complete a composite.
func logicalPK(pks []string, strategy Strategy) (string, bool) {
	switch {
	case len(pks) == 1 && pks[0] != TenantColumn:
		return pks[0], true
	case len(pks) == 2 && strategy == StrategyDirect:
		if pks[0] == TenantColumn {
			return pks[1], true
		}
		if pks[1] == TenantColumn {
			return pks[0], true
		}
	}
	return "", false
}

// anchorFK picks the foreign key that scopes an indirect table, preferring
// the alphabetically first direct parent for determinism.
func anchorFK(info *tableInfo, direct map[string]bool) (foreignKey, bool) {
	var candidates []foreignKey
	for _, fk := range info.fks {
		if direct[fk.refTable] {
			candidates = append(candidates, fk)
		}
	}
	if len(candidates) == 0 {
		return foreignKey{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].refTable != candidates[j].refTable {
			return candidates[i].refTable < candidates[j].refTable
		}
		return candidates[i].column < candidates[j].column
	})
	return candidates[0], true
}

func (r *Registry) loadCatalog(ctx context.Context, q Querier) (map[string]*tableInfo, error) {
	tables := map[string]*tableInfo{}

	rows, err := q.Query(ctx,
		`SELECT table_name, column_name
		 FROM information_schema.columns
		 WHERE table_schema = 'public'
		 ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		info, ok := tables[table]
		if !ok {
			info = &tableInfo{}
			tables[table] = info
		}
		info.columns = append(info.columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}

	pkRows, err := q.Query(ctx,
		`SELECT tc.table_name, kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'
		 ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var table, column string
		if err := pkRows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		if info, ok := tables[table]; ok {
			info.pks = append(info.pks, column)
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("list primary keys: %w", err)
	}

	// Columns of a composite foreign key are paired by position through
	// position_in_unique_constraint; joining the referenced side on
	// constraint name alone would cross-product the column pairs.
	fkRows, err := q.Query(ctx,
		`SELECT kcu.table_name, kcu.column_name, rkcu.table_name, rkcu.column_name
		 FROM information_schema.referential_constraints rc
		 JOIN information_schema.key_column_usage kcu
		   ON rc.constraint_name = kcu.constraint_name AND rc.constraint_schema = kcu.constraint_schema
		 JOIN information_schema.key_column_usage rkcu
		   ON rc.unique_constraint_name = rkcu.constraint_name
		  AND rc.unique_constraint_schema = rkcu.constraint_schema
		  AND kcu.position_in_unique_constraint = rkcu.ordinal_position
		 WHERE rc.constraint_schema = 'public'`)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var table, column, refTable, refColumn string
		if err := fkRows.Scan(&table, &column, &refTable, &refColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		if info, ok := tables[table]; ok {
			info.fks = append(info.fks, foreignKey{column: column, refTable: refTable, refColumn: refColumn})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}

	return tables, nil
}
