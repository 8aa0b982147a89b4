package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
)

// JournalEntry describes a record to append.
type JournalEntry struct {
	From                 string
	To                   string
	Amount               decimal.Decimal
	Description          string
	Kind                 domain.TransactionKind
	IdempotencyKey       string
	RelatedTransactionID *uuid.UUID
}

// TransactionJournal is the append-mostly log of money movements. Records are created
// once and change at most once, from pending to completed.
type TransactionJournal struct {
	store store.Store
	now   func() time.Time
}

func NewTransactionJournal(repo store.Store) *TransactionJournal {
	return &TransactionJournal{store: repo, now: func() time.Time { return time.Now().UTC() }}
}

// RecordCompleted appends a record for a leg that already executed.
func (j *TransactionJournal) RecordCompleted(ctx context.Context, entry JournalEntry) (*domain.TransactionRecord, error) {
	return j.recordTx(ctx, j.store, entry, domain.StatusCompleted)
}

// RecordPending appends a promised transfer. No balance changes.
func (j *TransactionJournal) RecordPending(ctx context.Context, entry JournalEntry) (*domain.TransactionRecord, error) {
	return j.recordTx(ctx, j.store, entry, domain.StatusPending)
}

// Settle moves a pending record to completed when expectedToAccount matches.
func (j *TransactionJournal) Settle(ctx context.Context, id uuid.UUID, expectedToAccount string) (*domain.TransactionRecord, error) {
	var settled *domain.TransactionRecord
	err := j.store.WithTx(ctx, func(tx store.Tx) error {
		record, err := j.lockPendingTx(ctx, tx, id, expectedToAccount)
		if err != nil {
			return err
		}
		if err := j.completeTx(ctx, tx, record); err != nil {
			return err
		}
		settled = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (j *TransactionJournal) Get(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return j.store.GetTransaction(ctx, id)
}

func (j *TransactionJournal) FindByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, store.ErrTransactionNotFound
	}
	return j.store.GetTransactionByIdempotencyKey(ctx, key)
}

func (j *TransactionJournal) recordTx(ctx context.Context, tx store.Tx, entry JournalEntry, status domain.TransactionStatus) (*domain.TransactionRecord, error) {
	if err := domain.ValidateAmount(entry.Amount); err != nil {
		return nil, err
	}
	now := j.now()
	record := &domain.TransactionRecord{
		ID:                   uuid.New(),
		FromAccount:          entry.From,
		ToAccount:            domain.StringPtr(entry.To),
		Amount:               entry.Amount,
		Description:          entry.Description,
		Kind:                 entry.Kind,
		Status:               status,
		IdempotencyKey:       domain.StringPtr(strings.TrimSpace(entry.IdempotencyKey)),
		RelatedTransactionID: entry.RelatedTransactionID,
		CreatedAt:            now,
	}
	if status == domain.StatusCompleted {
		record.CompletedAt = &now
	}
	if err := tx.InsertTransaction(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// lockPendingTx loads the record under lock and validates the settle preconditions in
// protocol order: existence, status, destination.
func (j *TransactionJournal) lockPendingTx(ctx context.Context, tx store.Tx, id uuid.UUID, expectedToAccount string) (*domain.TransactionRecord, error) {
	record, err := tx.GetTransactionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !record.IsPending() {
		return nil, store.ErrAlreadyProcessed
	}
	if record.Destination() != expectedToAccount {
		return nil, store.ErrAccountMismatch
	}
	return record, nil
}

func (j *TransactionJournal) completeTx(ctx context.Context, tx store.Tx, record *domain.TransactionRecord) error {
	completedAt := j.now()
	if err := tx.CompletePendingTransaction(ctx, record.ID, record.Destination(), completedAt); err != nil {
		return err
	}
	record.Status = domain.StatusCompleted
	record.CompletedAt = &completedAt
	return nil
}
