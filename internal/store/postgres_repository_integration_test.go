//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger_test"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewPostgresRepository(pool, pgx.Serializable)
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func TestPostgresRepository_Contract(t *testing.T) {
	runRepositoryContract(t, setupPostgres(t))
}

func TestPostgresRepository_EnsureSchemaIsIdempotent(t *testing.T) {
	repo := setupPostgres(t)
	require.NoError(t, repo.EnsureSchema(context.Background()))
}

func TestPostgresRepository_ConcurrentWritersConflict(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()
	account := newTestAccount("100")
	require.NoError(t, repo.CreateAccount(ctx, account, nil))

	// The first writer holds the row until the second one has read it.
	read := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- repo.WithinTx(ctx, func(tx LedgerTx) error {
			locked, err := tx.LockAccountByID(ctx, account.ID)
			if err != nil {
				return err
			}
			close(read)
			<-release
			locked.Credit(decimal.RequireFromString("1"))
			return tx.SaveAccountBalances(ctx, locked)
		})
	}()

	<-read
	stale := account.Clone()
	close(release)
	require.NoError(t, <-firstDone)

	err := repo.WithinTx(ctx, func(tx LedgerTx) error {
		return tx.SaveAccountBalances(ctx, stale)
	})
	assert.ErrorIs(t, err, ErrConcurrentUpdate)

	stored, err := repo.FindAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, stored.AccountBalance.Equal(decimal.RequireFromString("101")))
	assert.Equal(t, int64(2), stored.Version)
}
