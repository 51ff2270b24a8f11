package registry_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/carevista/simvault/internal/registry"
	"github.com/carevista/simvault/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("simvault_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func entityByName(entities []registry.EntityDescriptor, name string) (registry.EntityDescriptor, bool) {
	for _, e := range entities {
		if e.Name == name {
			return e, true
		}
	}
	return registry.EntityDescriptor{}, false
}

func rankOf(t *testing.T, entities []registry.EntityDescriptor, name string) int {
	t.Helper()
	e, ok := entityByName(entities, name)
	require.True(t, ok, "entity %s not discovered", name)
	return e.Rank
}

func TestDiscover_ClassifiesClinicalTables(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	reg := registry.New()

	entities, err := reg.Discover(context.Background(), pool)
	require.NoError(t, err)

	patients, ok := entityByName(entities, "patients")
	require.True(t, ok)
	assert.Equal(t, registry.StrategyDirect, patients.Strategy)
	assert.Equal(t, "id", patients.PKColumn)
	assert.ElementsMatch(t, []string{"tenant_id", "id"}, patients.PKColumns)
	assert.Contains(t, patients.Columns, "mrn")

	notes, ok := entityByName(entities, "clinical_notes")
	require.True(t, ok)
	assert.Equal(t, registry.StrategyDirect, notes.Strategy)
	assert.Equal(t, "id", notes.PKColumn)
	assert.ElementsMatch(t, []string{"tenant_id", "id"}, notes.PKColumns)

	tags, ok := entityByName(entities, "clinical_note_tags")
	require.True(t, ok)
	assert.Equal(t, registry.StrategyDirect, tags.Strategy)
	assert.Equal(t, "id", tags.PKColumn)
}

func TestDiscover_ClassifiesIndirectTables(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	for _, ddl := range []string{
		`CREATE TABLE devices (id UUID PRIMARY KEY, tenant_id UUID NOT NULL REFERENCES tenants(id), label TEXT NOT NULL)`,
		`CREATE TABLE device_readings (id UUID PRIMARY KEY, device_id UUID NOT NULL REFERENCES devices(id), value_text TEXT NOT NULL)`,
	} {
		_, err := pool.Exec(ctx, ddl)
		require.NoError(t, err)
	}

	entities, err := registry.New().Discover(ctx, pool)
	require.NoError(t, err)

	readings, ok := entityByName(entities, "device_readings")
	require.True(t, ok)
	assert.Equal(t, registry.StrategyIndirect, readings.Strategy)
	assert.Equal(t, "devices", readings.ParentTable)
	assert.Equal(t, "device_id", readings.ParentFK)
	assert.Equal(t, "id", readings.ParentPK)
	assert.Less(t, rankOf(t, entities, "devices"), readings.Rank)
}

func TestDiscover_CompositeForeignKeyPairing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	// kit_items carries a composite foreign key; each referencing column must
	// pair with the referenced column at the same position, never with the
	// other half of the key.
	for _, ddl := range []string{
		`CREATE TABLE kits (tenant_id UUID NOT NULL, id TEXT NOT NULL, label TEXT, PRIMARY KEY (tenant_id, id))`,
		`CREATE TABLE kit_items (id UUID PRIMARY KEY, kit_tenant UUID NOT NULL, kit_id TEXT NOT NULL,
		   FOREIGN KEY (kit_tenant, kit_id) REFERENCES kits (tenant_id, id))`,
	} {
		_, err := pool.Exec(ctx, ddl)
		require.NoError(t, err)
	}

	entities, err := registry.New().Discover(ctx, pool)
	require.NoError(t, err)

	items, ok := entityByName(entities, "kit_items")
	require.True(t, ok)
	assert.Equal(t, registry.StrategyIndirect, items.Strategy)
	assert.Equal(t, "kits", items.ParentTable)
	assert.Equal(t, "kit_id", items.ParentFK)
	assert.Equal(t, "id", items.ParentPK)
	assert.Less(t, rankOf(t, entities, "kits"), items.Rank)
}

func TestDiscover_ExcludesEngineTables(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	reg := registry.New()

	entities, err := reg.Discover(context.Background(), pool)
	require.NoError(t, err)

	for _, name := range []string{"tenants", "templates", "snapshots", "memberships", "users", "api_keys", "simulation_instances", "schema_migrations"} {
		_, found := entityByName(entities, name)
		assert.False(t, found, "engine table %s must not be discovered", name)
	}
}

func TestDiscover_ParentsBeforeChildren(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	reg := registry.New()

	entities, err := reg.Discover(context.Background(), pool)
	require.NoError(t, err)

	assert.Less(t, rankOf(t, entities, "patients"), rankOf(t, entities, "medications"))
	assert.Less(t, rankOf(t, entities, "patients"), rankOf(t, entities, "observations"))
	assert.Less(t, rankOf(t, entities, "clinical_notes"), rankOf(t, entities, "clinical_note_tags"))
}

func TestDiscover_SkipsTableWithoutUsableKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx,
		`CREATE TABLE audit_blobs (tenant_id UUID NOT NULL, payload TEXT NOT NULL)`)
	require.NoError(t, err)

	entities, err := registry.New().Discover(ctx, pool)
	require.NoError(t, err)

	_, found := entityByName(entities, "audit_blobs")
	assert.False(t, found, "table without a primary key must be skipped")
}

func TestDiscover_CycleFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	ctx := context.Background()

	for _, ddl := range []string{
		`CREATE TABLE wards (id UUID PRIMARY KEY, tenant_id UUID NOT NULL, head_bed_id UUID)`,
		`CREATE TABLE beds (id UUID PRIMARY KEY, tenant_id UUID NOT NULL, ward_id UUID NOT NULL REFERENCES wards(id))`,
		`ALTER TABLE wards ADD FOREIGN KEY (head_bed_id) REFERENCES beds(id)`,
	} {
		_, err := pool.Exec(ctx, ddl)
		require.NoError(t, err)
	}

	_, err := registry.New().Discover(ctx, pool)
	require.ErrorIs(t, err, registry.ErrSchemaCycle)
}

func TestDiscover_ExtraExclusions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)

	entities, err := registry.New("observations").Discover(context.Background(), pool)
	require.NoError(t, err)

	_, found := entityByName(entities, "observations")
	assert.False(t, found)
	_, found = entityByName(entities, "patients")
	assert.True(t, found)
}
