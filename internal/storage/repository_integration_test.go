//go:build integration

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"donut-multiplier/internal/config"
)

// setupStore starts a PostgreSQL container and applies migrations/.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("donutmult"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(store.Close)

	applied, err := Migrate(ctx, pool, os.DirFS(filepath.Join("..", "..", "migrations")))
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	return store
}

func TestStoreRoundLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ok := ResultRecord{
		Round:          142,
		Wallet:         "0x1111111111111111111111111111111111111111",
		Username:       "alice",
		Multiplier:     decimal.RequireFromString("0.22"),
		NeedToBuy:      decimal.NewFromInt(500),
		CurrentBalance: decimal.NewFromInt(100),
		Earned:         decimal.NewFromInt(1000),
		RetentionRatio: decimal.NewFromInt(90),
		TransferCount:  2,
		Status:         StatusComplete,
	}
	msg := "ledger: tokentx query failed on page 2 after 100 records: NOTOK"
	failed := ResultRecord{Round: 142, Wallet: "0x2222222222222222222222222222222222222222", Status: StatusFailed, Error: &msg}

	require.NoError(t, store.UpsertResult(ctx, ok))
	require.NoError(t, store.UpsertResult(ctx, failed))

	ok.Multiplier = decimal.RequireFromString("0.7")
	require.NoError(t, store.UpsertResult(ctx, ok))

	got, err := store.GetResult(ctx, 142, ok.Wallet)
	require.NoError(t, err)
	assert.True(t, got.Multiplier.Equal(decimal.RequireFromString("0.7")))
	assert.True(t, got.NeedToBuy.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "alice", got.Username)

	list, err := store.ListRound(ctx, 142, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].Error)
	assert.Equal(t, msg, *list[0].Error)

	summary, err := store.SummarizeRound(ctx, 142)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.Wallets)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Equal(t, int64(1), summary.Penalized)
	assert.True(t, summary.TotalNeedToBuy.Equal(decimal.NewFromInt(500)))

	require.NoError(t, store.DeleteRound(ctx, 142))
	_, err = store.SummarizeRound(ctx, 142)
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestStoreAdvisoryLock(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 77)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
