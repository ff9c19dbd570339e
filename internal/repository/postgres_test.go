package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/telhawk-ledger/internal/database"
	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// startPostgres starts one PostgreSQL container for the calling test and
// returns its connection string. Tests are skipped in -short mode or when no
// container runtime is available.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(connStr))
	return connStr
}

// setupTestDatabase returns a repository on a freshly migrated schema.
// Subtests share one container and reset the schema between runs.
func setupTestDatabase(t *testing.T) func(t *testing.T) Store {
	connStr := startPostgres(t)

	return func(t *testing.T) Store {
		require.NoError(t, database.MigrateDown(connStr))
		require.NoError(t, database.Migrate(connStr))

		repo, err := NewPostgresRepository(context.Background(), connStr)
		require.NoError(t, err)
		t.Cleanup(repo.Close)
		return repo
	}
}

func TestPostgresRepository_Contract(t *testing.T) {
	runStoreContract(t, setupTestDatabase(t))
}

func TestPostgresRepository_TriggersRejectDirectMutation(t *testing.T) {
	newStore := setupTestDatabase(t)
	store := newStore(t)
	repo := store.(*PostgresRepository)
	ctx := context.Background()

	_, err := repo.InsertFact(ctx, testFact("s1", "f1", periodStart))
	require.NoError(t, err)
	require.NoError(t, repo.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))
	require.NoError(t, repo.InsertPoolComponent(ctx, testComponent("s1", "e1", "c1", models.ComponentBaseIssuance, 10)))

	_, err = repo.pool.Exec(ctx, `UPDATE activity_facts SET category = 'other' WHERE id = 'f1'`)
	assert.ErrorIs(t, translateError(err, "update"), models.ErrFactImmutable)

	_, err = repo.pool.Exec(ctx, `DELETE FROM activity_facts WHERE id = 'f1'`)
	assert.ErrorIs(t, translateError(err, "delete"), models.ErrFactImmutable)

	_, err = repo.pool.Exec(ctx, `UPDATE pool_components SET amount = 99 WHERE id = 'c1'`)
	assert.ErrorIs(t, translateError(err, "update"), models.ErrComponentImmutable)

	_, err = repo.pool.Exec(ctx, `UPDATE epochs SET policy_hash = 'x' WHERE id = 'e1'`)
	assert.ErrorIs(t, translateError(err, "update"), models.ErrPolicyImmutable)

	require.NoError(t, repo.MarkEpochClosed(ctx, "e1", 10, periodEnd))
	require.NoError(t, repo.InsertStatement(ctx, &models.PayoutStatement{
		ID: "st1", ScopeID: "s1", EpochID: "e1", AllocationSetHash: "h", PoolTotal: 10, CreatedAt: periodEnd,
	}))

	_, err = repo.pool.Exec(ctx, `UPDATE payout_statements SET pool_total = 11 WHERE id = 'st1'`)
	assert.ErrorIs(t, translateError(err, "update"), models.ErrStatementImmutable)

	_, err = repo.pool.Exec(ctx, `UPDATE epochs SET pool_total = 11 WHERE id = 'e1'`)
	assert.ErrorIs(t, translateError(err, "update"), models.ErrEpochClosed)
}

func TestPostgresRepository_LockEpochSerialisesClose(t *testing.T) {
	newStore := setupTestDatabase(t)
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

	closeOnce := func() (bool, error) {
		closed := false
		err := store.WithTx(ctx, func(tx Tx) error {
			e, err := tx.LockEpoch(ctx, "e1")
			if err != nil {
				return err
			}
			if !e.IsOpen() {
				return nil
			}
			closed = true
			return tx.MarkEpochClosed(ctx, "e1", 10, periodEnd)
		})
		return closed, err
	}

	results := make(chan bool, 4)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			closed, err := closeOnce()
			results <- closed
			errs <- err
		}()
	}

	winners := 0
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
		if <-results {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
