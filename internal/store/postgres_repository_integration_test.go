//go:build integration

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tuition/ledger-service/internal/domain"
)

func setupPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger"),
		tcpostgres.WithUsername("ledger"),
		tcpostgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, MigratePostgres(connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	repo := NewPostgresRepository(pool)
	t.Cleanup(repo.Close)
	return repo
}

func TestPostgresTransferAndSettleUnderContention(t *testing.T) {
	repo := setupPostgresRepository(t)
	ctx := context.Background()

	for number, balance := range map[string]int64{"POOL": 1000, "INST-1": 0} {
		amount := decimal.NewFromInt(balance)
		require.NoError(t, repo.InsertAccount(ctx, &domain.Account{
			AccountNumber: number, Balance: amount, InitialBalance: amount, SecretHash: "h",
		}))
	}

	record := &domain.TransactionRecord{
		FromAccount: "POOL", ToAccount: domain.StringPtr("INST-1"), Amount: decimal.NewFromInt(700),
		Kind: domain.KindObligation, Status: domain.StatusPending,
	}
	require.NoError(t, repo.InsertTransaction(ctx, record))

	settle := func() error {
		return repo.WithTx(ctx, func(tx Tx) error {
			pending, err := tx.GetTransactionForUpdate(ctx, record.ID)
			if err != nil {
				return err
			}
			if !pending.IsPending() {
				return ErrAlreadyProcessed
			}
			if err := tx.LockAccounts(ctx, "POOL", "INST-1"); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, "POOL", pending.Amount.Neg()); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, "INST-1", pending.Amount); err != nil {
				return err
			}
			return tx.CompletePendingTransaction(ctx, record.ID, "INST-1", time.Now())
		})
	}

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := settle(); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyProcessed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	pool, err := repo.GetAccount(ctx, "POOL")
	require.NoError(t, err)
	assert.True(t, pool.Balance.Equal(decimal.NewFromInt(300)))

	totals, err := repo.LedgerTotals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.TotalBalance.Equal(totals.TotalInitialBalance))
}

func TestPostgresDuplicateAccountAndIdempotencyKey(t *testing.T) {
	repo := setupPostgresRepository(t)
	ctx := context.Background()

	account := &domain.Account{AccountNumber: "X", Balance: decimal.NewFromInt(100), InitialBalance: decimal.NewFromInt(100), SecretHash: "h"}
	require.NoError(t, repo.InsertAccount(ctx, account))
	assert.ErrorIs(t, repo.InsertAccount(ctx, &domain.Account{AccountNumber: "X", SecretHash: "h2"}), ErrAccountExists)

	key := "debit-1"
	first := &domain.TransactionRecord{FromAccount: "X", Amount: decimal.NewFromInt(1), Kind: domain.KindDebit,
		Status: domain.StatusCompleted, IdempotencyKey: &key}
	require.NoError(t, repo.InsertTransaction(ctx, first))
	second := &domain.TransactionRecord{FromAccount: "X", Amount: decimal.NewFromInt(1), Kind: domain.KindDebit,
		Status: domain.StatusCompleted, IdempotencyKey: &key}
	assert.ErrorIs(t, repo.InsertTransaction(ctx, second), ErrDuplicateIdempotencyKey)

	_, err := repo.AdjustBalance(ctx, "X", decimal.NewFromInt(-101))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}
