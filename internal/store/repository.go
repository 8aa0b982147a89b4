/**
 * @description
 * This file defines the storage contract of the ledger-service. Every balance and
 * journal mutation runs inside an explicit transaction opened through Store.WithTx,
 * so the application layer can commit ledger and journal changes together.
 *
 * Two implementations exist: PostgresRepository (pgx pool, production) and
 * SQLiteRepository (modernc.org/sqlite, local development and tests).
 */

package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrAlreadyProcessed        = errors.New("transaction already processed")
	ErrAccountMismatch         = errors.New("account mismatch")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrObligationNotFound      = errors.New("obligation not found")
)

// Tx holds the operations that may run inside a single database transaction. The
// Store itself also satisfies Tx; outside WithTx each call is its own unit.
type Tx interface {
	// Accounts
	InsertAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error)
	// LockAccounts takes row locks in a deterministic order and fails with
	// ErrAccountNotFound if any account is missing.
	LockAccounts(ctx context.Context, accountNumbers ...string) error
	// AdjustBalance applies delta with a single conditional update. It fails with
	// ErrInsufficientFunds when the result would be negative.
	AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal) (decimal.Decimal, error)

	// Journal
	InsertTransaction(ctx context.Context, record *domain.TransactionRecord) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error)
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error)
	// CompletePendingTransaction is a compare-and-set on status = 'pending'. It returns
	// ErrAlreadyProcessed when the record was not pending.
	CompletePendingTransaction(ctx context.Context, id uuid.UUID, toAccount string, completedAt time.Time) error

	// Obligation outbox
	InsertObligation(ctx context.Context, obligation *domain.Obligation) error
	GetObligation(ctx context.Context, debitID uuid.UUID) (*domain.Obligation, error)
	MarkObligationRecorded(ctx context.Context, debitID uuid.UUID, obligationTxID uuid.UUID) error
	MarkObligationReversed(ctx context.Context, debitID uuid.UUID, reason string) error

	// PoolCommitments sums what poolAccount still owes: pending obligation records
	// plus outbox intents not yet recorded, except the intent funded by excludeDebitID.
	PoolCommitments(ctx context.Context, poolAccount string, excludeDebitID uuid.UUID) (decimal.Decimal, error)
}

// Store is the repository used by the application layer.
type Store interface {
	Tx

	// WithTx runs fn in one transaction. fn must only use the Tx it is given.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ClaimObligations moves due pending (or stale processing) obligations to
	// processing, bumps their attempt counter and returns them.
	ClaimObligations(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Obligation, error)
	MarkObligationFailed(ctx context.Context, debitID uuid.UUID, retryAfter time.Duration, reason string) error

	LedgerTotals(ctx context.Context) (*domain.LedgerTotals, error)

	Ping(ctx context.Context) error
	Close()
}

// lockOrder returns the distinct account numbers sorted, the order in which row
// locks are always taken.
func lockOrder(accountNumbers []string) []string {
	seen := make(map[string]struct{}, len(accountNumbers))
	ordered := make([]string, 0, len(accountNumbers))
	for _, n := range accountNumbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)
	return ordered
}
