package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number        TEXT PRIMARY KEY,
	balance_minor         INTEGER NOT NULL CHECK (balance_minor >= 0),
	initial_balance_minor INTEGER NOT NULL CHECK (initial_balance_minor >= 0),
	secret_hash           TEXT NOT NULL,
	created_at            TEXT NOT NULL,
	updated_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id                     TEXT PRIMARY KEY,
	from_account           TEXT NOT NULL REFERENCES accounts (account_number),
	to_account             TEXT,
	amount_minor           INTEGER NOT NULL CHECK (amount_minor > 0),
	description            TEXT NOT NULL DEFAULT '',
	kind                   TEXT NOT NULL,
	status                 TEXT NOT NULL CHECK (status IN ('pending', 'completed')),
	idempotency_key        TEXT UNIQUE,
	related_transaction_id TEXT REFERENCES transactions (id),
	created_at             TEXT NOT NULL,
	completed_at           TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status);

CREATE TABLE IF NOT EXISTS obligation_outbox (
	debit_transaction_id      TEXT PRIMARY KEY REFERENCES transactions (id),
	pool_account              TEXT NOT NULL,
	to_account                TEXT NOT NULL,
	amount_minor              INTEGER NOT NULL CHECK (amount_minor > 0),
	description               TEXT NOT NULL DEFAULT '',
	state                     TEXT NOT NULL DEFAULT 'pending',
	attempts                  INTEGER NOT NULL DEFAULT 0,
	next_attempt_at           TEXT NOT NULL,
	processing_started_at     TEXT,
	last_error                TEXT,
	obligation_transaction_id TEXT REFERENCES transactions (id),
	created_at                TEXT NOT NULL,
	updated_at                TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_obligation_outbox_due ON obligation_outbox (state, next_attempt_at);
`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	db sqlQuerier
}

// SQLiteRepository is an embedded Store for local development and tests. It holds a
// single connection, so transactions are serialized and row locks are unnecessary.
type SQLiteRepository struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at dsn and ensures the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if dsn != ":memory:" && !strings.Contains(dsn, "mode=memory") {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteRepository{sqliteQueries: sqliteQueries{db: db}, db: db}, nil
}

func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() {
	r.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func parseNullTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseNullUUID(raw sql.NullString) (*uuid.UUID, error) {
	if !raw.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(raw.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullUUID(v *uuid.UUID) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func nullTime(v *time.Time) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*v), Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func sqliteCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

func (q *sqliteQueries) InsertAccount(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (account_number, balance_minor, initial_balance_minor, secret_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, account.AccountNumber, domain.ToMinorUnits(account.Balance), domain.ToMinorUnits(account.InitialBalance),
		account.SecretHash, formatTime(now), formatTime(now))
	if err != nil {
		switch sqliteCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (q *sqliteQueries) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	var (
		account              domain.Account
		balance, initial     int64
		createdAt, updatedAt string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT account_number, balance_minor, initial_balance_minor, secret_hash, created_at, updated_at
		FROM accounts
		WHERE account_number = ?
	`, accountNumber).Scan(&account.AccountNumber, &balance, &initial, &account.SecretHash, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account.Balance = domain.FromMinorUnits(balance)
	account.InitialBalance = domain.FromMinorUnits(initial)
	if account.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse account created_at: %w", err)
	}
	if account.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse account updated_at: %w", err)
	}
	return &account, nil
}

// LockAccounts only verifies existence: the single connection already serializes writers.
func (q *sqliteQueries) LockAccounts(ctx context.Context, accountNumbers ...string) error {
	for _, accountNumber := range lockOrder(accountNumbers) {
		var exists int
		err := q.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE account_number = ?`, accountNumber).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account %s: %w", accountNumber, err)
		}
	}
	return nil
}

func (q *sqliteQueries) AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal) (decimal.Decimal, error) {
	minorDelta := domain.ToMinorUnits(delta)
	var balance int64
	err := q.db.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance_minor = balance_minor + ?,
			updated_at = ?
		WHERE account_number = ?
		  AND balance_minor + ? >= 0
		RETURNING balance_minor
	`, minorDelta, formatTime(time.Now()), accountNumber, minorDelta).Scan(&balance)
	if err == nil {
		return domain.FromMinorUnits(balance), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if sqliteCode(err) == sqlite3.SQLITE_CONSTRAINT_CHECK {
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("failed to update balance: %w", err)
	}

	var exists int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE account_number = ?`, accountNumber).Scan(&exists); err != nil {
		return decimal.Zero, fmt.Errorf("failed to check account: %w", err)
	}
	if exists == 0 {
		return decimal.Zero, ErrAccountNotFound
	}
	return decimal.Zero, ErrInsufficientFunds
}

const sqliteTransactionColumns = `id, from_account, to_account, amount_minor, description, kind, status,
	idempotency_key, related_transaction_id, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row rowScanner) (*domain.TransactionRecord, error) {
	var (
		record                             domain.TransactionRecord
		id, kind, status, createdAt        string
		amount                             int64
		toAccount, idempotencyKey, related sql.NullString
		completedAt                        sql.NullString
	)
	if err := row.Scan(&id, &record.FromAccount, &toAccount, &amount, &record.Description, &kind, &status,
		&idempotencyKey, &related, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if record.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse transaction id: %w", err)
	}
	if record.RelatedTransactionID, err = parseNullUUID(related); err != nil {
		return nil, fmt.Errorf("failed to parse related transaction id: %w", err)
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse transaction created_at: %w", err)
	}
	if record.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse transaction completed_at: %w", err)
	}
	record.ToAccount = stringPtr(toAccount)
	record.IdempotencyKey = stringPtr(idempotencyKey)
	record.Amount = domain.FromMinorUnits(amount)
	record.Kind = domain.TransactionKind(kind)
	record.Status = domain.TransactionStatus(status)
	return &record, nil
}

func (q *sqliteQueries) InsertTransaction(ctx context.Context, record *domain.TransactionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO transactions (`+sqliteTransactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID.String(),
		record.FromAccount,
		nullString(record.ToAccount),
		domain.ToMinorUnits(record.Amount),
		record.Description,
		string(record.Kind),
		string(record.Status),
		nullString(record.IdempotencyKey),
		nullUUID(record.RelatedTransactionID),
		formatTime(record.CreatedAt),
		nullTime(record.CompletedAt),
	)
	if err != nil {
		switch sqliteCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			if strings.Contains(err.Error(), "idempotency_key") {
				return ErrDuplicateIdempotencyKey
			}
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q *sqliteQueries) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return q.getTransaction(ctx, `SELECT `+sqliteTransactionColumns+` FROM transactions WHERE id = ?`, id.String())
}

func (q *sqliteQueries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return q.GetTransaction(ctx, id)
}

func (q *sqliteQueries) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	return q.getTransaction(ctx, `SELECT `+sqliteTransactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
}

func (q *sqliteQueries) getTransaction(ctx context.Context, query string, arg any) (*domain.TransactionRecord, error) {
	record, err := scanSQLiteTransaction(q.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return record, nil
}

func (q *sqliteQueries) CompletePendingTransaction(ctx context.Context, id uuid.UUID, toAccount string, completedAt time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'completed',
			completed_at = ?
		WHERE id = ?
		  AND status = 'pending'
		  AND to_account = ?
	`, formatTime(completedAt), id.String(), toAccount)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	if affected == 1 {
		return nil
	}
	return explainSettleMiss(ctx, q, id, toAccount)
}

func (q *sqliteQueries) InsertObligation(ctx context.Context, obligation *domain.Obligation) error {
	now := time.Now().UTC()
	if obligation.NextAttemptAt.IsZero() {
		obligation.NextAttemptAt = now
	}
	obligation.State = domain.ObligationPending
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO obligation_outbox (
			debit_transaction_id, pool_account, to_account, amount_minor, description,
			state, attempts, next_attempt_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`,
		obligation.DebitTransactionID.String(),
		obligation.PoolAccount,
		obligation.ToAccount,
		domain.ToMinorUnits(obligation.Amount),
		obligation.Description,
		formatTime(obligation.NextAttemptAt),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue obligation: %w", err)
	}
	obligation.CreatedAt = now
	obligation.UpdatedAt = now
	return nil
}

const sqliteObligationColumns = `debit_transaction_id, pool_account, to_account, amount_minor, description, state,
	attempts, next_attempt_at, processing_started_at, last_error, obligation_transaction_id, created_at, updated_at`

func scanSQLiteObligation(row rowScanner) (*domain.Obligation, error) {
	var (
		obligation                                 domain.Obligation
		debitID, state, nextAttempt                string
		createdAt, updatedAt                       string
		amount                                     int64
		processingStarted, lastError, obligationID sql.NullString
	)
	if err := row.Scan(&debitID, &obligation.PoolAccount, &obligation.ToAccount, &amount, &obligation.Description,
		&state, &obligation.Attempts, &nextAttempt, &processingStarted, &lastError, &obligationID,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if obligation.DebitTransactionID, err = uuid.Parse(debitID); err != nil {
		return nil, fmt.Errorf("failed to parse obligation debit id: %w", err)
	}
	if obligation.ObligationTransactionID, err = parseNullUUID(obligationID); err != nil {
		return nil, fmt.Errorf("failed to parse obligation transaction id: %w", err)
	}
	if obligation.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
		return nil, err
	}
	if obligation.ProcessingStartedAt, err = parseNullTime(processingStarted); err != nil {
		return nil, err
	}
	if obligation.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if obligation.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	obligation.LastError = stringPtr(lastError)
	obligation.Amount = domain.FromMinorUnits(amount)
	obligation.State = domain.ObligationState(state)
	return &obligation, nil
}

func (q *sqliteQueries) GetObligation(ctx context.Context, debitID uuid.UUID) (*domain.Obligation, error) {
	obligation, err := scanSQLiteObligation(q.db.QueryRowContext(ctx,
		`SELECT `+sqliteObligationColumns+` FROM obligation_outbox WHERE debit_transaction_id = ?`, debitID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrObligationNotFound
		}
		return nil, fmt.Errorf("failed to load obligation: %w", err)
	}
	return obligation, nil
}

func (q *sqliteQueries) MarkObligationRecorded(ctx context.Context, debitID uuid.UUID, obligationTxID uuid.UUID) error {
	return q.updateObligation(ctx, `
		UPDATE obligation_outbox
		SET state = 'recorded',
			obligation_transaction_id = ?,
			processing_started_at = NULL,
			last_error = NULL,
			updated_at = ?
		WHERE debit_transaction_id = ?
	`, obligationTxID.String(), formatTime(time.Now()), debitID.String())
}

func (q *sqliteQueries) MarkObligationReversed(ctx context.Context, debitID uuid.UUID, reason string) error {
	return q.updateObligation(ctx, `
		UPDATE obligation_outbox
		SET state = 'reversed',
			processing_started_at = NULL,
			last_error = ?,
			updated_at = ?
		WHERE debit_transaction_id = ?
	`, reason, formatTime(time.Now()), debitID.String())
}

func (q *sqliteQueries) updateObligation(ctx context.Context, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update obligation: %w", err)
	}
	if affected == 0 {
		return ErrObligationNotFound
	}
	return nil
}

func (q *sqliteQueries) PoolCommitments(ctx context.Context, poolAccount string, excludeDebitID uuid.UUID) (decimal.Decimal, error) {
	var committed int64
	err := q.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(amount_minor), 0)
			 FROM transactions
			 WHERE from_account = ? AND kind = 'obligation' AND status = 'pending')
			+
			(SELECT COALESCE(SUM(amount_minor), 0)
			 FROM obligation_outbox
			 WHERE pool_account = ?
			   AND state IN ('pending', 'processing')
			   AND debit_transaction_id <> ?)
	`, poolAccount, poolAccount, excludeDebitID.String()).Scan(&committed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum pool commitments: %w", err)
	}
	return domain.FromMinorUnits(committed), nil
}

func (r *SQLiteRepository) ClaimObligations(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Obligation, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	var claimed []domain.Obligation
	err := r.WithTx(ctx, func(tx Tx) error {
		q := tx.(*sqliteQueries)
		now := time.Now().UTC()

		rows, err := q.db.QueryContext(ctx, `
			SELECT debit_transaction_id
			FROM obligation_outbox
			WHERE (state = 'pending' AND next_attempt_at <= ?)
			   OR (state = 'processing' AND processing_started_at < ?)
			ORDER BY created_at
			LIMIT ?
		`, formatTime(now), formatTime(now.Add(-staleAfter)), limit)
		if err != nil {
			return fmt.Errorf("failed to select due obligations: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := q.db.ExecContext(ctx, `
				UPDATE obligation_outbox
				SET state = 'processing',
					processing_started_at = ?,
					attempts = attempts + 1,
					updated_at = ?
				WHERE debit_transaction_id = ?
			`, formatTime(now), formatTime(now), id); err != nil {
				return fmt.Errorf("failed to claim obligation: %w", err)
			}
			obligation, err := scanSQLiteObligation(q.db.QueryRowContext(ctx,
				`SELECT `+sqliteObligationColumns+` FROM obligation_outbox WHERE debit_transaction_id = ?`, id))
			if err != nil {
				return fmt.Errorf("failed to reload obligation: %w", err)
			}
			claimed = append(claimed, *obligation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *SQLiteRepository) MarkObligationFailed(ctx context.Context, debitID uuid.UUID, retryAfter time.Duration, reason string) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	if len(reason) > 1000 {
		reason = reason[:1000]
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE obligation_outbox
		SET state = 'pending',
			processing_started_at = NULL,
			next_attempt_at = ?,
			last_error = ?,
			updated_at = ?
		WHERE debit_transaction_id = ?
		  AND state = 'processing'
	`, formatTime(now.Add(retryAfter)), reason, formatTime(now), debitID.String())
	if err != nil {
		return fmt.Errorf("failed to mark obligation failed: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LedgerTotals(ctx context.Context) (*domain.LedgerTotals, error) {
	var (
		totals                             domain.LedgerTotals
		balance, initial, obligationAmount int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(balance_minor), 0),
			COALESCE(SUM(initial_balance_minor), 0),
			COALESCE(SUM(CASE WHEN balance_minor < 0 THEN 1 ELSE 0 END), 0)
		FROM accounts
	`).Scan(&totals.AccountCount, &balance, &initial, &totals.NegativeBalances)
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM transactions
		WHERE kind = 'obligation' AND status = 'pending'
	`).Scan(&totals.PendingObligationCount, &obligationAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending obligations: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state IN ('pending', 'processing') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'reversed' THEN 1 ELSE 0 END), 0)
		FROM obligation_outbox
	`).Scan(&totals.OutboxBacklog, &totals.ReversedObligations)
	if err != nil {
		return nil, fmt.Errorf("failed to count obligation outbox: %w", err)
	}

	totals.TotalBalance = domain.FromMinorUnits(balance)
	totals.TotalInitialBalance = domain.FromMinorUnits(initial)
	totals.PendingObligationAmount = domain.FromMinorUnits(obligationAmount)
	return &totals, nil
}
