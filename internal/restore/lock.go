package restore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrRestoreInProgress is returned when a materialize or reset already holds
// the tenant's lock. Callers may retry after backoff; the engine never queues.
var ErrRestoreInProgress = errors.New("restore in progress for tenant")

// lockNamespace keeps simvault's advisory lock keys away from any other
// advisory lock users sharing the database.
const lockNamespace = "simvault:tenant:"

// LockKey derives the advisory lock key for a tenant.
func LockKey(tenantID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockNamespace))
	h.Write(tenantID[:])
	return int64(h.Sum64())
}

// TryLock takes the per-tenant advisory lock inside tx, exclusively for
// materialize/reset or shared for capture. The lock is transaction-scoped
// and released automatically on commit or rollback. Fails fast with
// ErrRestoreInProgress instead of blocking.
func TryLock(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, exclusive bool) error {
	fn := "pg_try_advisory_xact_lock_shared"
	if exclusive {
		fn = "pg_try_advisory_xact_lock"
	}
	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT "+fn+"($1)", LockKey(tenantID)).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire tenant lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrRestoreInProgress, tenantID)
	}
	return nil
}
