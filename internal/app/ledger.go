/**
 * @description
 * AccountLedger is the authoritative balance store. It owns registration,
 * authentication and every balance mutation; the saga reaches balances only
 * through the tx-scoped helpers at the bottom of this file.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	"github.com/tuition/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

type AccountLedger struct {
	store  store.Store
	gate   *AuthGate
	events *eventPublisher
	logger *zap.Logger
}

func NewAccountLedger(repo store.Store, gate *AuthGate, logger *zap.Logger) *AccountLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountLedger{store: repo, gate: gate, events: newEventPublisher(nil, "", logger), logger: logger}
}

// SetPublisher enables ledger.account.registered events.
func (l *AccountLedger) SetPublisher(publisher rabbitmq.Publisher, exchange string) {
	l.events = newEventPublisher(publisher, exchange, l.logger)
}

// Register creates an account. The primary key makes concurrent duplicates resolve to
// exactly one success and store.ErrAccountExists for the rest.
func (l *AccountLedger) Register(ctx context.Context, req domain.RegisterRequest) (*domain.Account, error) {
	accountNumber := domain.NormalizeAccountNumber(req.AccountNumber)
	if err := domain.ValidateAccountNumber(accountNumber); err != nil {
		return nil, err
	}

	initialBalance := decimal.Zero
	if req.InitialBalance != nil {
		initialBalance = *req.InitialBalance
	}
	if err := domain.ValidateInitialBalance(initialBalance); err != nil {
		return nil, err
	}

	hash, err := l.gate.HashSecret(req.Secret)
	if err != nil {
		return nil, err
	}

	account := &domain.Account{
		AccountNumber:  accountNumber,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		SecretHash:     hash,
	}
	if err := l.store.InsertAccount(ctx, account); err != nil {
		return nil, err
	}

	l.logger.Info("account registered",
		zap.String("component", "ledger"),
		zap.String("account_number", accountNumber),
		zap.String("initial_balance", initialBalance.String()),
	)
	l.events.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventAccountRegistered,
		ToAccount:  accountNumber,
		Amount:     initialBalance,
		OccurredAt: time.Now().UTC(),
	})
	return account, nil
}

// EnsureAccount registers the account if it does not exist yet. Used at boot for the pool.
func (l *AccountLedger) EnsureAccount(ctx context.Context, accountNumber, secret string) (*domain.Account, error) {
	account, err := l.store.GetAccount(ctx, domain.NormalizeAccountNumber(accountNumber))
	if err == nil {
		return account, nil
	}
	if KindOf(err) != KindNotFound {
		return nil, err
	}

	account, err = l.Register(ctx, domain.RegisterRequest{AccountNumber: accountNumber, Secret: secret})
	if err != nil && KindOf(err) == KindAlreadyExists {
		return l.store.GetAccount(ctx, domain.NormalizeAccountNumber(accountNumber))
	}
	return account, err
}

// Authenticate returns the account snapshot when secret matches.
func (l *AccountLedger) Authenticate(ctx context.Context, accountNumber, secret string) (*domain.Account, error) {
	account, err := l.store.GetAccount(ctx, domain.NormalizeAccountNumber(accountNumber))
	if err != nil {
		return nil, err
	}
	if err := l.gate.Verify(ctx, account, secret); err != nil {
		return nil, err
	}
	return account, nil
}

// Balance is an authenticated read.
func (l *AccountLedger) Balance(ctx context.Context, accountNumber, secret string) (*domain.Account, error) {
	return l.Authenticate(ctx, accountNumber, secret)
}

// Debit authenticates and removes amount from the account in one conditional update.
func (l *AccountLedger) Debit(ctx context.Context, accountNumber, secret string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	account, err := l.Authenticate(ctx, accountNumber, secret)
	if err != nil {
		return decimal.Zero, err
	}

	var newBalance decimal.Decimal
	err = l.store.WithTx(ctx, func(tx store.Tx) error {
		var debitErr error
		newBalance, debitErr = l.debitTx(ctx, tx, account.AccountNumber, amount)
		return debitErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Credit adds amount to the account. It carries no credential and is only reachable
// from trusted callers inside the service.
func (l *AccountLedger) Credit(ctx context.Context, accountNumber string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}

	var newBalance decimal.Decimal
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		newBalance, err = l.creditTx(ctx, tx, domain.NormalizeAccountNumber(accountNumber), amount)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return newBalance, nil
}

func (l *AccountLedger) debitTx(ctx context.Context, tx store.Tx, accountNumber string, amount decimal.Decimal) (decimal.Decimal, error) {
	return tx.AdjustBalance(ctx, accountNumber, amount.Neg())
}

func (l *AccountLedger) creditTx(ctx context.Context, tx store.Tx, accountNumber string, amount decimal.Decimal) (decimal.Decimal, error) {
	return tx.AdjustBalance(ctx, accountNumber, amount)
}

// transferTx moves amount between two accounts inside tx. Both rows are locked in
// sorted order before either is touched, so either both sides apply or neither does.
func (l *AccountLedger) transferTx(ctx context.Context, tx store.Tx, from, to string, amount decimal.Decimal) (fromBalance, toBalance decimal.Decimal, err error) {
	if from == to {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: source and destination are the same account", ErrInvalidRequest)
	}
	if err := tx.LockAccounts(ctx, from, to); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if fromBalance, err = l.debitTx(ctx, tx, from, amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if toBalance, err = l.creditTx(ctx, tx, to, amount); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return fromBalance, toBalance, nil
}
