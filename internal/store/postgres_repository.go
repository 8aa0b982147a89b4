/**
 * @description
 * PostgreSQL implementation of the ledger Store. Balance changes are conditional
 * updates under row locks taken in account-number order, and every multi-step
 * operation runs inside one pgx transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"

	idempotencyKeyConstraint = "transactions_idempotency_key_key"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	db pgxQuerier
}

// PostgresRepository is the production Store.
type PostgresRepository struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new repository over an existing pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgQueries: pgQueries{db: pool}, pool: pool}
}

func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (q *pgQueries) InsertAccount(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (account_number, balance_minor, initial_balance_minor, secret_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, account.AccountNumber, domain.ToMinorUnits(account.Balance), domain.ToMinorUnits(account.InitialBalance), account.SecretHash, now)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

func (q *pgQueries) GetAccount(ctx context.Context, accountNumber string) (*domain.Account, error) {
	var (
		account        domain.Account
		balance        int64
		initialBalance int64
	)
	err := q.db.QueryRow(ctx, `
		SELECT account_number, balance_minor, initial_balance_minor, secret_hash, created_at, updated_at
		FROM accounts
		WHERE account_number = $1
	`, accountNumber).Scan(&account.AccountNumber, &balance, &initialBalance, &account.SecretHash, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account.Balance = domain.FromMinorUnits(balance)
	account.InitialBalance = domain.FromMinorUnits(initialBalance)
	return &account, nil
}

func (q *pgQueries) LockAccounts(ctx context.Context, accountNumbers ...string) error {
	for _, accountNumber := range lockOrder(accountNumbers) {
		var locked string
		err := q.db.QueryRow(ctx, `SELECT account_number FROM accounts WHERE account_number = $1 FOR UPDATE`, accountNumber).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account %s: %w", accountNumber, err)
		}
	}
	return nil
}

func (q *pgQueries) AdjustBalance(ctx context.Context, accountNumber string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance int64
	err := q.db.QueryRow(ctx, `
		UPDATE accounts
		SET balance_minor = balance_minor + $2,
			updated_at = NOW()
		WHERE account_number = $1
		  AND balance_minor + $2 >= 0
		RETURNING balance_minor
	`, accountNumber, domain.ToMinorUnits(delta)).Scan(&balance)
	if err == nil {
		return domain.FromMinorUnits(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isPgCode(err, pgCheckViolation) {
			return decimal.Zero, ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("failed to update balance: %w", err)
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE account_number = $1)`, accountNumber).Scan(&exists); err != nil {
		return decimal.Zero, fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return decimal.Zero, ErrAccountNotFound
	}
	return decimal.Zero, ErrInsufficientFunds
}

const pgTransactionColumns = `id, from_account, to_account, amount_minor, description, kind, status,
	idempotency_key, related_transaction_id, created_at, completed_at`

func scanPgTransaction(row pgx.Row) (*domain.TransactionRecord, error) {
	var (
		record domain.TransactionRecord
		amount int64
		kind   string
		status string
	)
	if err := row.Scan(
		&record.ID,
		&record.FromAccount,
		&record.ToAccount,
		&amount,
		&record.Description,
		&kind,
		&status,
		&record.IdempotencyKey,
		&record.RelatedTransactionID,
		&record.CreatedAt,
		&record.CompletedAt,
	); err != nil {
		return nil, err
	}
	record.Amount = domain.FromMinorUnits(amount)
	record.Kind = domain.TransactionKind(kind)
	record.Status = domain.TransactionStatus(status)
	return &record, nil
}

func (q *pgQueries) InsertTransaction(ctx context.Context, record *domain.TransactionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO transactions (`+pgTransactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		record.ID,
		record.FromAccount,
		record.ToAccount,
		domain.ToMinorUnits(record.Amount),
		record.Description,
		string(record.Kind),
		string(record.Status),
		record.IdempotencyKey,
		record.RelatedTransactionID,
		record.CreatedAt,
		record.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint:
				return ErrDuplicateIdempotencyKey
			case pgErr.Code == pgForeignKeyViolation:
				return ErrAccountNotFound
			}
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (q *pgQueries) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return q.getTransaction(ctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (q *pgQueries) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return q.getTransaction(ctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
}

func (q *pgQueries) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	return q.getTransaction(ctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
}

func (q *pgQueries) getTransaction(ctx context.Context, query string, arg any) (*domain.TransactionRecord, error) {
	record, err := scanPgTransaction(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return record, nil
}

func (q *pgQueries) CompletePendingTransaction(ctx context.Context, id uuid.UUID, toAccount string, completedAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE transactions
		SET status = 'completed',
			completed_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND to_account = $2
	`, id, toAccount, completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return explainSettleMiss(ctx, q, id, toAccount)
}

func (q *pgQueries) InsertObligation(ctx context.Context, obligation *domain.Obligation) error {
	now := time.Now().UTC()
	if obligation.NextAttemptAt.IsZero() {
		obligation.NextAttemptAt = now
	}
	obligation.State = domain.ObligationPending
	_, err := q.db.Exec(ctx, `
		INSERT INTO obligation_outbox (
			debit_transaction_id, pool_account, to_account, amount_minor, description,
			state, attempts, next_attempt_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $7, $7)
	`,
		obligation.DebitTransactionID,
		obligation.PoolAccount,
		obligation.ToAccount,
		domain.ToMinorUnits(obligation.Amount),
		obligation.Description,
		obligation.NextAttemptAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue obligation: %w", err)
	}
	obligation.CreatedAt = now
	obligation.UpdatedAt = now
	return nil
}

const pgObligationColumns = `debit_transaction_id, pool_account, to_account, amount_minor, description, state,
	attempts, next_attempt_at, processing_started_at, last_error, obligation_transaction_id, created_at, updated_at`

func scanPgObligation(row pgx.Row) (*domain.Obligation, error) {
	var (
		obligation domain.Obligation
		amount     int64
		state      string
	)
	if err := row.Scan(
		&obligation.DebitTransactionID,
		&obligation.PoolAccount,
		&obligation.ToAccount,
		&amount,
		&obligation.Description,
		&state,
		&obligation.Attempts,
		&obligation.NextAttemptAt,
		&obligation.ProcessingStartedAt,
		&obligation.LastError,
		&obligation.ObligationTransactionID,
		&obligation.CreatedAt,
		&obligation.UpdatedAt,
	); err != nil {
		return nil, err
	}
	obligation.Amount = domain.FromMinorUnits(amount)
	obligation.State = domain.ObligationState(state)
	return &obligation, nil
}

func (q *pgQueries) GetObligation(ctx context.Context, debitID uuid.UUID) (*domain.Obligation, error) {
	obligation, err := scanPgObligation(q.db.QueryRow(ctx, `SELECT `+pgObligationColumns+` FROM obligation_outbox WHERE debit_transaction_id = $1`, debitID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrObligationNotFound
		}
		return nil, fmt.Errorf("failed to load obligation: %w", err)
	}
	return obligation, nil
}

func (q *pgQueries) MarkObligationRecorded(ctx context.Context, debitID uuid.UUID, obligationTxID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE obligation_outbox
		SET state = 'recorded',
			obligation_transaction_id = $2,
			processing_started_at = NULL,
			last_error = NULL,
			updated_at = NOW()
		WHERE debit_transaction_id = $1
	`, debitID, obligationTxID)
	if err != nil {
		return fmt.Errorf("failed to mark obligation recorded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObligationNotFound
	}
	return nil
}

func (q *pgQueries) MarkObligationReversed(ctx context.Context, debitID uuid.UUID, reason string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE obligation_outbox
		SET state = 'reversed',
			processing_started_at = NULL,
			last_error = $2,
			updated_at = NOW()
		WHERE debit_transaction_id = $1
	`, debitID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark obligation reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrObligationNotFound
	}
	return nil
}

func (q *pgQueries) PoolCommitments(ctx context.Context, poolAccount string, excludeDebitID uuid.UUID) (decimal.Decimal, error) {
	var committed int64
	err := q.db.QueryRow(ctx, `
		SELECT
			(SELECT COALESCE(SUM(amount_minor), 0)
			 FROM transactions
			 WHERE from_account = $1 AND kind = 'obligation' AND status = 'pending')
			+
			(SELECT COALESCE(SUM(amount_minor), 0)
			 FROM obligation_outbox
			 WHERE pool_account = $1
			   AND state IN ('pending', 'processing')
			   AND debit_transaction_id <> $2)
	`, poolAccount, excludeDebitID).Scan(&committed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum pool commitments: %w", err)
	}
	return domain.FromMinorUnits(committed), nil
}

func (r *PostgresRepository) ClaimObligations(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Obligation, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.pool.Query(ctx, `
		WITH candidates AS (
			SELECT debit_transaction_id
			FROM obligation_outbox
			WHERE (
				(state = 'pending' AND next_attempt_at <= NOW())
				OR (state = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE obligation_outbox AS o
		SET state = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1,
			updated_at = NOW()
		FROM candidates
		WHERE o.debit_transaction_id = candidates.debit_transaction_id
		RETURNING o.debit_transaction_id, o.pool_account, o.to_account, o.amount_minor, o.description, o.state,
			o.attempts, o.next_attempt_at, o.processing_started_at, o.last_error, o.obligation_transaction_id,
			o.created_at, o.updated_at
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to claim obligations: %w", err)
	}
	defer rows.Close()

	obligations := make([]domain.Obligation, 0, limit)
	for rows.Next() {
		obligation, err := scanPgObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan obligation: %w", err)
		}
		obligations = append(obligations, *obligation)
	}
	return obligations, rows.Err()
}

func (r *PostgresRepository) MarkObligationFailed(ctx context.Context, debitID uuid.UUID, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE obligation_outbox
		SET state = 'pending',
			processing_started_at = NULL,
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			last_error = LEFT($3, 1000),
			updated_at = NOW()
		WHERE debit_transaction_id = $1
		  AND state = 'processing'
	`, debitID, retryAfterSeconds, reason)
	if err != nil {
		return fmt.Errorf("failed to mark obligation failed: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LedgerTotals(ctx context.Context) (*domain.LedgerTotals, error) {
	var (
		totals                             domain.LedgerTotals
		balance, initial, obligationAmount int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(balance_minor), 0)::BIGINT,
			COALESCE(SUM(initial_balance_minor), 0)::BIGINT,
			COUNT(*) FILTER (WHERE balance_minor < 0)
		FROM accounts
	`).Scan(&totals.AccountCount, &balance, &initial, &totals.NegativeBalances)
	if err != nil {
		return nil, fmt.Errorf("failed to sum balances: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)::BIGINT
		FROM transactions
		WHERE kind = 'obligation' AND status = 'pending'
	`).Scan(&totals.PendingObligationCount, &obligationAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending obligations: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('pending', 'processing')),
			COUNT(*) FILTER (WHERE state = 'reversed')
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

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// explainSettleMiss turns a failed compare-and-set into the precise protocol error.
func explainSettleMiss(ctx context.Context, q Tx, id uuid.UUID, toAccount string) error {
	record, err := q.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if !record.IsPending() {
		return ErrAlreadyProcessed
	}
	if record.Destination() != toAccount {
		return ErrAccountMismatch
	}
	return ErrAlreadyProcessed
}
