package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/carevista/simvault/internal/store"
	"github.com/carevista/simvault/pkg/models"
	"github.com/google/uuid"
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

func newStandardTenant(t *testing.T, s store.Store) *models.Tenant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tenant := &models.Tenant{
		ID:            uuid.New(),
		Kind:          models.TenantKindStandard,
		RoutingHandle: "sim-std-" + uuid.NewString()[:8],
		Status:        models.TenantStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func newEphemeralTenant(t *testing.T, s store.Store, parentID uuid.UUID, expires time.Time) *models.Tenant {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tenant := &models.Tenant{
		ID:            uuid.New(),
		ParentID:      &parentID,
		Kind:          models.TenantKindEphemeral,
		RoutingHandle: "sim-eph-" + uuid.NewString()[:8],
		Status:        models.TenantStatusActive,
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateTenant(context.Background(), tenant))
	return tenant
}

func newUser(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, email, name) VALUES ($1, $2, 'Test User')`,
		id, id.String()+"@example.org")
	require.NoError(t, err)
	return id
}

func newTemplate(t *testing.T, s store.Store, tenantID uuid.UUID) *models.Template {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	tpl := &models.Template{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "icu-shift",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateTemplate(context.Background(), tpl))
	return tpl
}

// --- Tenant Tests ---

func TestTenant_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	tenant := newStandardTenant(t, s)

	loaded, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.RoutingHandle, loaded.RoutingHandle)
	assert.Equal(t, models.TenantKindStandard, loaded.Kind)
	assert.Nil(t, loaded.ParentID)
}

func TestTenant_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetTenant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTenant_DuplicateRoutingHandle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	tenant := newStandardTenant(t, s)

	dup := *tenant
	dup.ID = uuid.New()
	err := s.CreateTenant(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestTenant_UpdateStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	parent := newStandardTenant(t, s)
	eph := newEphemeralTenant(t, s, parent.ID, time.Now().UTC().Add(time.Hour))

	require.NoError(t, s.UpdateTenantStatus(ctx, eph.ID, models.TenantStatusExpiring))
	loaded, err := s.GetTenant(ctx, eph.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusExpiring, loaded.Status)

	err = s.UpdateTenantStatus(ctx, uuid.New(), models.TenantStatusExpiring)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTenant_ListDue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	parent := newStandardTenant(t, s)
	overdue := newEphemeralTenant(t, s, parent.ID, now.Add(-time.Hour))
	_ = newEphemeralTenant(t, s, parent.ID, now.Add(time.Hour))

	due, err := s.ListTenantsDue(ctx, models.TenantStatusActive, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)
}

// --- Snapshot Tests ---

func TestSnapshot_CreateGetList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	tenant := newStandardTenant(t, s)
	tpl := newTemplate(t, s, tenant.ID)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := &models.Snapshot{
		ID:         uuid.New(),
		TemplateID: tpl.ID,
		Document: models.SnapshotDocument{Entities: map[string][]models.Row{
			"patients": {{"id": "P1", "mrn": "MRN-P1"}},
		}},
		CapturedAt: now.Add(-time.Minute),
		CreatedAt:  now.Add(-time.Minute),
	}
	second := &models.Snapshot{
		ID:         uuid.New(),
		TemplateID: tpl.ID,
		Document:   models.SnapshotDocument{Entities: map[string][]models.Row{"patients": {}}},
		CapturedAt: now,
		CreatedAt:  now,
	}
	require.NoError(t, s.CreateSnapshot(ctx, first))
	require.NoError(t, s.CreateSnapshot(ctx, second))

	loaded, err := s.GetSnapshot(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Document.Entities["patients"], 1)
	assert.Equal(t, "P1", loaded.Document.Entities["patients"][0]["id"])

	listed, err := s.ListSnapshots(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, second.ID, listed[0].ID, "newest first")
}

// --- Simulation Instance Tests ---

func newInstance(t *testing.T, s store.Store, status string) *models.SimulationInstance {
	t.Helper()
	ctx := context.Background()
	tenant := newStandardTenant(t, s)
	tpl := newTemplate(t, s, tenant.ID)
	eph := newEphemeralTenant(t, s, tenant.ID, time.Now().UTC().Add(time.Hour))

	now := time.Now().UTC().Truncate(time.Microsecond)
	snap := &models.Snapshot{
		ID:         uuid.New(),
		TemplateID: tpl.ID,
		Document:   models.SnapshotDocument{Entities: map[string][]models.Row{}},
		CapturedAt: now,
		CreatedAt:  now,
	}
	require.NoError(t, s.CreateSnapshot(ctx, snap))

	inst := &models.SimulationInstance{
		ID:         uuid.New(),
		SnapshotID: snap.ID,
		TemplateID: tpl.ID,
		TenantID:   eph.ID,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	return inst
}

func TestInstance_StatusTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	inst := newInstance(t, s, models.SimulationStatusPending)

	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, models.SimulationStatusRunning))
	loaded, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SimulationStatusRunning, loaded.Status)
	assert.NotNil(t, loaded.StartedAt)

	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, models.SimulationStatusPaused))
	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, models.SimulationStatusRunning))
	require.NoError(t, s.UpdateInstanceStatus(ctx, inst.ID, models.SimulationStatusCompleted))

	loaded, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SimulationStatusCompleted, loaded.Status)
	assert.NotNil(t, loaded.EndedAt)
}

func TestInstance_InvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	inst := newInstance(t, s, models.SimulationStatusPending)

	err := s.UpdateInstanceStatus(ctx, inst.ID, models.SimulationStatusCompleted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid simulation status transition")
}

func TestInstance_OneRunningPerTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	inst := newInstance(t, s, models.SimulationStatusRunning)

	dup := *inst
	dup.ID = uuid.New()
	err := s.CreateInstance(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

// --- Membership Tests ---

func TestMembership_UpsertAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	tenant := newStandardTenant(t, s)
	userID := newUser(t, pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	m := &models.Membership{
		ID:        uuid.New(),
		UserID:    userID,
		TenantID:  tenant.ID,
		Role:      models.RoleParticipant,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.UpsertMembership(ctx, m))

	// Same user and tenant again: role is replaced, not duplicated.
	m2 := *m
	m2.ID = uuid.New()
	m2.Role = models.RoleInstructor
	require.NoError(t, s.UpsertMembership(ctx, &m2))

	listed, err := s.ListMembershipsByTenant(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.RoleInstructor, listed[0].Role)
}

func TestMembership_Remove(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	tenant := newStandardTenant(t, s)
	userID := newUser(t, pool)
	now := time.Now().UTC()
	require.NoError(t, s.UpsertMembership(ctx, &models.Membership{
		ID: uuid.New(), UserID: userID, TenantID: tenant.ID,
		Role: models.RoleObserver, Active: true, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, s.RemoveMembership(ctx, userID, tenant.ID))
	assert.ErrorIs(t, s.RemoveMembership(ctx, userID, tenant.ID), store.ErrNotFound)
}

func TestMembership_SingleInstructorOnEphemeral(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	parent := newStandardTenant(t, s)
	eph := newEphemeralTenant(t, s, parent.ID, time.Now().UTC().Add(time.Hour))
	userA := newUser(t, pool)
	userB := newUser(t, pool)
	now := time.Now().UTC()

	grant := func(userID uuid.UUID) error {
		return s.UpsertInstructorMembership(ctx, &models.Membership{
			ID: uuid.New(), UserID: userID, TenantID: eph.ID,
			Role: models.RoleInstructor, Active: true, CreatedAt: now, UpdatedAt: now,
		})
	}

	require.NoError(t, grant(userA))
	// Same user again is idempotent; a different user is rejected.
	require.NoError(t, grant(userA))
	assert.ErrorIs(t, grant(userB), store.ErrInstructorExists)

	// Standard tenants are unrestricted.
	require.NoError(t, s.UpsertInstructorMembership(ctx, &models.Membership{
		ID: uuid.New(), UserID: userB, TenantID: parent.ID,
		Role: models.RoleInstructor, Active: true, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestMembership_ConcurrentInstructorGrants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	parent := newStandardTenant(t, s)
	eph := newEphemeralTenant(t, s, parent.ID, time.Now().UTC().Add(time.Hour))
	now := time.Now().UTC()

	const attempts = 8
	users := make([]uuid.UUID, attempts)
	for i := range users {
		users[i] = newUser(t, pool)
	}

	// All grants race; the tenant row lock serializes them so exactly one
	// wins and every loser sees ErrInstructorExists.
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.UpsertInstructorMembership(ctx, &models.Membership{
				ID: uuid.New(), UserID: users[i], TenantID: eph.ID,
				Role: models.RoleInstructor, Active: true, CreatedAt: now, UpdatedAt: now,
			})
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, err := range errs {
		if err == nil {
			granted++
		} else {
			assert.ErrorIs(t, err, store.ErrInstructorExists)
		}
	}
	assert.Equal(t, 1, granted)

	listed, err := s.ListMembershipsByTenant(ctx, eph.ID)
	require.NoError(t, err)
	instructors := 0
	for _, m := range listed {
		if m.Active && m.Role == models.RoleInstructor {
			instructors++
		}
	}
	assert.Equal(t, 1, instructors)
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := newUser(t, pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "sv_abcd",
		Scopes:    []string{"simulations", "snapshots"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "sv_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "test-key", keys[0].Name)
	assert.Equal(t, []string{"simulations", "snapshots"}, keys[0].Scopes)
}

func TestAPIKey_Revoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	userID := newUser(t, pool)

	now := time.Now().UTC()
	key := &models.APIKey{
		ID: uuid.New(), UserID: userID, Name: "doomed",
		KeyHash: "hash", KeyPrefix: "sv_dead", Scopes: []string{},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, userID))

	keys, err := s.GetAPIKeyByPrefix(ctx, "sv_dead")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, userID), store.ErrNotFound)
}
