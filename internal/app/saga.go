/**
 * @description
 * SettlementSaga coordinates the tuition-payment protocol across the ledger and the
 * journal. It holds no state between steps: every step is recoverable from journal
 * records and the obligation outbox.
 *
 *   1. debit leg       learner -> pool, completed record (+ optional obligation intent)
 *   2. obligation leg  pending record pool -> instructor, no funds move
 *   3. claim leg       pool -> instructor transfer + pending -> completed, one transaction
 *
 * PayTuition commits steps 1 and 2 together. CreditDirect collapses 1 and 3 for flat
 * payments out of the pool.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	"github.com/tuition/ledger-service/pkg/rabbitmq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SettlementPolicy holds the injected identity of the pool and the payout rules.
type SettlementPolicy struct {
	PoolAccount     string
	InstructorShare decimal.Decimal
	CourseUploadFee decimal.Decimal
	// ObligationGrace delays the relay's first attempt so a collaborator's own step-2
	// call normally wins.
	ObligationGrace time.Duration
}

type SettlementSaga struct {
	store   store.Store
	ledger  *AccountLedger
	journal *TransactionJournal
	policy  SettlementPolicy
	events  *eventPublisher
	logger  *zap.Logger
}

func NewSettlementSaga(
	repo store.Store,
	ledger *AccountLedger,
	journal *TransactionJournal,
	policy SettlementPolicy,
	publisher rabbitmq.Publisher,
	eventsExchange string,
	logger *zap.Logger,
) *SettlementSaga {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.PoolAccount = domain.NormalizeAccountNumber(policy.PoolAccount)
	return &SettlementSaga{
		store:   repo,
		ledger:  ledger,
		journal: journal,
		policy:  policy,
		events:  newEventPublisher(publisher, eventsExchange, logger),
		logger:  logger,
	}
}

func (s *SettlementSaga) Policy() SettlementPolicy {
	return s.policy
}

// DebitLearner is the debit leg. The learner is debited and the pool credited in the
// same transaction as the completed journal record.
func (s *SettlementSaga) DebitLearner(ctx context.Context, req domain.DebitRequest, idempotencyKey string) (resp *domain.DebitResponse, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.DebitLearner",
		attribute.String("ledger.from_account", req.FromAccount),
		attribute.String("ledger.amount", req.Amount.String()),
	)
	defer func() { endSpan(span, err) }()

	from := domain.NormalizeAccountNumber(req.FromAccount)
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if from == s.policy.PoolAccount {
		return nil, fmt.Errorf("%w: the pool cannot pay into itself", ErrInvalidRequest)
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}

	var intent *domain.Obligation
	if req.Obligation != nil {
		if intent, err = s.obligationIntent(req); err != nil {
			return nil, err
		}
	}

	if _, err := s.ledger.Authenticate(ctx, from, req.Secret); err != nil {
		return nil, err
	}

	if replay, err := s.replayDebit(ctx, idempotencyKey, from, req.Amount); replay != nil || err != nil {
		return replay, err
	}

	var (
		record     *domain.TransactionRecord
		newBalance decimal.Decimal
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		fromBalance, _, err := s.ledger.transferTx(ctx, tx, from, s.policy.PoolAccount, req.Amount)
		if err != nil {
			return err
		}
		record, err = s.journal.recordTx(ctx, tx, JournalEntry{
			From:           from,
			To:             s.policy.PoolAccount,
			Amount:         req.Amount,
			Description:    req.Description,
			Kind:           domain.KindDebit,
			IdempotencyKey: idempotencyKey,
		}, domain.StatusCompleted)
		if err != nil {
			return err
		}
		if intent != nil {
			intent.DebitTransactionID = record.ID
			intent.NextAttemptAt = time.Now().UTC().Add(s.policy.ObligationGrace)
			if err := tx.InsertObligation(ctx, intent); err != nil {
				return err
			}
		}
		newBalance = fromBalance
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return s.replayDebit(ctx, idempotencyKey, from, req.Amount)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("learner debited",
		zap.String("component", "saga"),
		zap.String("transaction_id", record.ID.String()),
		zap.String("from_account", from),
		zap.String("amount", req.Amount.String()),
		zap.Bool("obligation_queued", intent != nil),
	)
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventDebitCompleted, record))
	return &domain.DebitResponse{TransactionID: record.ID, NewBalance: newBalance}, nil
}

func (s *SettlementSaga) obligationIntent(req domain.DebitRequest) (*domain.Obligation, error) {
	payee := domain.NormalizeAccountNumber(req.Obligation.ToAccount)
	if err := domain.ValidateAccountNumber(payee); err != nil {
		return nil, err
	}
	amount := domain.ShareOf(req.Amount, s.policy.InstructorShare)
	if req.Obligation.Amount != nil {
		amount = *req.Obligation.Amount
	}
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(req.Amount) {
		return nil, fmt.Errorf("%w: obligation exceeds the debited amount", ErrInvalidRequest)
	}
	description := req.Obligation.Description
	if description == "" {
		description = req.Description
	}
	return &domain.Obligation{
		PoolAccount: s.policy.PoolAccount,
		ToAccount:   payee,
		Amount:      amount,
		Description: description,
	}, nil
}

// replayDebit returns the original outcome for a reused idempotency key, or nil when
// the key is unused.
func (s *SettlementSaga) replayDebit(ctx context.Context, key, from string, amount decimal.Decimal) (*domain.DebitResponse, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.journal.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Kind != domain.KindDebit || existing.FromAccount != from || !existing.Amount.Equal(amount) {
		return nil, ErrIdempotencyConflict
	}
	account, err := s.store.GetAccount(ctx, from)
	if err != nil {
		return nil, err
	}
	return &domain.DebitResponse{TransactionID: existing.ID, NewBalance: account.Balance}, nil
}

// RecordObligation is the obligation leg (createPendingTransfer). The payer
// authenticates, must currently hold at least amount, and no funds move.
func (s *SettlementSaga) RecordObligation(ctx context.Context, req domain.PendingTransferRequest) (record *domain.TransactionRecord, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.RecordObligation",
		attribute.String("ledger.from_account", req.FromAccount),
		attribute.String("ledger.to_account", req.ToAccount),
	)
	defer func() { endSpan(span, err) }()

	from := domain.NormalizeAccountNumber(req.FromAccount)
	to := domain.NormalizeAccountNumber(req.ToAccount)
	if err := domain.ValidateAccountNumber(to); err != nil {
		return nil, err
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Authenticate(ctx, from, req.Secret); err != nil {
		return nil, err
	}
	return s.recordObligation(ctx, from, to, req.Amount, req.Description, req.DebitTransactionID)
}

// recordObligation is shared by the API and the obligation relay. With a debit id the
// call is idempotent on obligation:<debitId>.
func (s *SettlementSaga) recordObligation(
	ctx context.Context,
	from, to string,
	amount decimal.Decimal,
	description string,
	debitID *uuid.UUID,
) (*domain.TransactionRecord, error) {
	var key string
	if debitID != nil {
		key = domain.ObligationKey(*debitID)
		existing, err := s.replayObligation(ctx, key, *debitID, from, to, amount)
		if existing != nil || err != nil {
			return existing, err
		}
	}

	var record *domain.TransactionRecord
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if debitID != nil {
			if err := s.guardDebitForObligation(ctx, tx, *debitID, amount); err != nil {
				return err
			}
		}
		if err := tx.LockAccounts(ctx, from); err != nil {
			return err
		}
		payer, err := tx.GetAccount(ctx, from)
		if err != nil {
			return err
		}
		if payer.Balance.LessThan(amount) {
			return store.ErrInsufficientFunds
		}
		record, err = s.journal.recordTx(ctx, tx, JournalEntry{
			From:                 from,
			To:                   to,
			Amount:               amount,
			Description:          description,
			Kind:                 domain.KindObligation,
			IdempotencyKey:       key,
			RelatedTransactionID: debitID,
		}, domain.StatusPending)
		if err != nil {
			return err
		}
		if debitID != nil {
			if err := tx.MarkObligationRecorded(ctx, *debitID, record.ID); err != nil && !errors.Is(err, store.ErrObligationNotFound) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) && debitID != nil {
		return s.replayObligation(ctx, key, *debitID, from, to, amount)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("obligation recorded",
		zap.String("component", "saga"),
		zap.String("transaction_id", record.ID.String()),
		zap.String("from_account", from),
		zap.String("to_account", to),
		zap.String("amount", amount.String()),
	)
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventObligationRecorded, record))
	return record, nil
}

// guardDebitForObligation locks the funding debit, which serializes obligation
// recording against reversal of the same payment.
func (s *SettlementSaga) guardDebitForObligation(ctx context.Context, tx store.Tx, debitID uuid.UUID, amount decimal.Decimal) error {
	debit, err := tx.GetTransactionForUpdate(ctx, debitID)
	if err != nil {
		return err
	}
	if debit.Kind != domain.KindDebit {
		return fmt.Errorf("%w: %s is not a debit", ErrInvalidRequest, debitID)
	}
	if amount.GreaterThan(debit.Amount) {
		return fmt.Errorf("%w: obligation exceeds the debited amount", ErrInvalidRequest)
	}
	_, err = derivedRecord(ctx, tx, domain.ReversalKey(debitID), domain.KindReversal, debitID)
	if err == nil {
		return ErrPaymentReversed
	}
	if !errors.Is(err, store.ErrTransactionNotFound) {
		return err
	}
	return nil
}

func (s *SettlementSaga) replayObligation(ctx context.Context, key string, debitID uuid.UUID, from, to string, amount decimal.Decimal) (*domain.TransactionRecord, error) {
	existing, err := derivedRecord(ctx, s.store, key, domain.KindObligation, debitID)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.FromAccount != from || existing.Destination() != to || !existing.Amount.Equal(amount) {
		return nil, ErrIdempotencyConflict
	}
	if err := s.store.MarkObligationRecorded(ctx, debitID, existing.ID); err != nil && !errors.Is(err, store.ErrObligationNotFound) {
		s.logger.Warn("failed to mark obligation recorded",
			zap.String("component", "saga"),
			zap.String("debit_transaction_id", debitID.String()),
			zap.Error(err),
		)
	}
	return existing, nil
}

// derivedRecord loads the record stored under a service-derived key and checks that
// it is the kind expected for debitID.
func derivedRecord(ctx context.Context, q store.Tx, key string, kind domain.TransactionKind, debitID uuid.UUID) (*domain.TransactionRecord, error) {
	record, err := q.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if record.Kind != kind || record.RelatedTransactionID == nil || *record.RelatedTransactionID != debitID {
		return nil, fmt.Errorf("%w: %s belongs to transaction %s", ErrIdempotencyConflict, key, record.ID)
	}
	return record, nil
}

// SettleObligation is the claim leg (settleTransfer). Preconditions are reported in
// protocol order before any lock is taken; the transfer and the pending -> completed
// transition then commit together, re-checked under the record lock.
func (s *SettlementSaga) SettleObligation(ctx context.Context, req domain.SettleTransferRequest) (resp *domain.SettleTransferResponse, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.SettleObligation",
		attribute.String("ledger.transaction_id", req.TransactionID.String()),
		attribute.String("ledger.to_account", req.ToAccount),
	)
	defer func() { endSpan(span, err) }()

	to := domain.NormalizeAccountNumber(req.ToAccount)

	record, err := s.journal.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if !record.IsPending() {
		return nil, store.ErrAlreadyProcessed
	}
	if record.Destination() != to {
		return nil, store.ErrAccountMismatch
	}
	if _, err := s.ledger.Authenticate(ctx, to, req.Secret); err != nil {
		return nil, err
	}

	var newBalance decimal.Decimal
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := s.journal.lockPendingTx(ctx, tx, req.TransactionID, to)
		if err != nil {
			return err
		}
		_, toBalance, err := s.ledger.transferTx(ctx, tx, locked.FromAccount, to, locked.Amount)
		if err != nil {
			return err
		}
		if err := s.journal.completeTx(ctx, tx, locked); err != nil {
			return err
		}
		record = locked
		newBalance = toBalance
		return nil
	})
	if err != nil {
		if KindOf(err) == KindInsufficientFunds {
			s.logger.Error("pool cannot cover pending obligation",
				zap.String("component", "saga"),
				zap.String("transaction_id", req.TransactionID.String()),
				zap.String("from_account", record.FromAccount),
				zap.String("amount", record.Amount.String()),
			)
		}
		return nil, err
	}

	s.logger.Info("obligation settled",
		zap.String("component", "saga"),
		zap.String("transaction_id", record.ID.String()),
		zap.String("to_account", to),
		zap.String("amount", record.Amount.String()),
	)
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventObligationSettled, record))
	return &domain.SettleTransferResponse{TransactionID: record.ID, Amount: record.Amount, NewBalance: newBalance}, nil
}

// CreditDirect pays an account straight from the pool (creditDirect). Secret is the pool's.
func (s *SettlementSaga) CreditDirect(ctx context.Context, req domain.DirectCreditRequest, idempotencyKey string) (resp *domain.DirectCreditResponse, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.CreditDirect",
		attribute.String("ledger.to_account", req.ToAccount),
		attribute.String("ledger.amount", req.Amount.String()),
	)
	defer func() { endSpan(span, err) }()

	to := domain.NormalizeAccountNumber(req.ToAccount)
	if err := domain.ValidateAccountNumber(to); err != nil {
		return nil, err
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Authenticate(ctx, s.policy.PoolAccount, req.Secret); err != nil {
		return nil, err
	}
	return s.creditFromPool(ctx, to, req.Amount, req.Description, idempotencyKey)
}

func (s *SettlementSaga) creditFromPool(ctx context.Context, to string, amount decimal.Decimal, description, key string) (*domain.DirectCreditResponse, error) {
	if replay, err := s.replayCredit(ctx, key, to, amount); replay != nil || err != nil {
		return replay, err
	}

	var (
		record     *domain.TransactionRecord
		newBalance decimal.Decimal
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		_, toBalance, err := s.ledger.transferTx(ctx, tx, s.policy.PoolAccount, to, amount)
		if err != nil {
			return err
		}
		record, err = s.journal.recordTx(ctx, tx, JournalEntry{
			From:           s.policy.PoolAccount,
			To:             to,
			Amount:         amount,
			Description:    description,
			Kind:           domain.KindDirectCredit,
			IdempotencyKey: key,
		}, domain.StatusCompleted)
		if err != nil {
			return err
		}
		newBalance = toBalance
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return s.replayCredit(ctx, key, to, amount)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("direct credit completed",
		zap.String("component", "saga"),
		zap.String("transaction_id", record.ID.String()),
		zap.String("to_account", to),
		zap.String("amount", amount.String()),
	)
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventCreditCompleted, record))
	return &domain.DirectCreditResponse{TransactionID: record.ID, NewBalance: newBalance}, nil
}

func (s *SettlementSaga) replayCredit(ctx context.Context, key, to string, amount decimal.Decimal) (*domain.DirectCreditResponse, error) {
	if key == "" {
		return nil, nil
	}
	existing, err := s.journal.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.Kind != domain.KindDirectCredit || existing.Destination() != to || !existing.Amount.Equal(amount) {
		return nil, ErrIdempotencyConflict
	}
	account, err := s.store.GetAccount(ctx, to)
	if err != nil {
		return nil, err
	}
	return &domain.DirectCreditResponse{TransactionID: existing.ID, NewBalance: account.Balance}, nil
}

// PayCourseUploadFee credits the configured flat upload fee to an instructor, at most
// once per course.
func (s *SettlementSaga) PayCourseUploadFee(ctx context.Context, req domain.CourseUploadPaymentRequest) (*domain.CourseUploadPaymentResponse, error) {
	if _, err := s.ledger.Authenticate(ctx, s.policy.PoolAccount, req.Secret); err != nil {
		return nil, err
	}
	return s.payCourseUploadFee(ctx, req)
}

// payCourseUploadFee is the trusted path used by the course.uploaded consumer.
func (s *SettlementSaga) payCourseUploadFee(ctx context.Context, req domain.CourseUploadPaymentRequest) (*domain.CourseUploadPaymentResponse, error) {
	to := domain.NormalizeAccountNumber(req.ToAccount)
	courseID := strings.TrimSpace(req.CourseID)
	if err := domain.ValidateAccountNumber(to); err != nil {
		return nil, err
	}
	if courseID == "" {
		return nil, fmt.Errorf("%w: courseId is required", ErrInvalidRequest)
	}

	description := "Course upload payment"
	if title := strings.TrimSpace(req.CourseTitle); title != "" {
		description = "Course upload payment: " + title
	}
	credit, err := s.creditFromPool(ctx, to, s.policy.CourseUploadFee, description, domain.CourseUploadKey(courseID))
	if err != nil {
		return nil, err
	}
	return &domain.CourseUploadPaymentResponse{
		TransactionID: credit.TransactionID,
		Amount:        s.policy.CourseUploadFee,
		NewBalance:    credit.NewBalance,
	}, nil
}

// PayTuition debits the learner and records the instructor's obligation in a single
// transaction, so no window exists where the pool holds funds without a liability.
func (s *SettlementSaga) PayTuition(ctx context.Context, req domain.TuitionPaymentRequest, idempotencyKey string) (resp *domain.TuitionPaymentResponse, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.PayTuition",
		attribute.String("ledger.learner_account", req.LearnerAccount),
		attribute.String("ledger.instructor_account", req.InstructorAccount),
		attribute.String("ledger.price", req.Price.String()),
	)
	defer func() { endSpan(span, err) }()

	learner := domain.NormalizeAccountNumber(req.LearnerAccount)
	instructor := domain.NormalizeAccountNumber(req.InstructorAccount)
	if err := domain.ValidateAccountNumber(instructor); err != nil {
		return nil, err
	}
	if err := domain.ValidateAmount(req.Price); err != nil {
		return nil, err
	}
	if learner == s.policy.PoolAccount || instructor == learner {
		return nil, fmt.Errorf("%w: learner must differ from the pool and the instructor", ErrInvalidRequest)
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}
	share := domain.ShareOf(req.Price, s.policy.InstructorShare)

	if _, err := s.ledger.Authenticate(ctx, learner, req.Secret); err != nil {
		return nil, err
	}

	if replay, err := s.replayTuition(ctx, idempotencyKey, learner, req.Price); replay != nil || err != nil {
		return replay, err
	}

	var (
		debit      *domain.TransactionRecord
		obligation *domain.TransactionRecord
		newBalance decimal.Decimal
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		learnerBalance, _, err := s.ledger.transferTx(ctx, tx, learner, s.policy.PoolAccount, req.Price)
		if err != nil {
			return err
		}
		debit, err = s.journal.recordTx(ctx, tx, JournalEntry{
			From:           learner,
			To:             s.policy.PoolAccount,
			Amount:         req.Price,
			Description:    req.Description,
			Kind:           domain.KindDebit,
			IdempotencyKey: idempotencyKey,
		}, domain.StatusCompleted)
		if err != nil {
			return err
		}
		if share.IsPositive() {
			debitID := debit.ID
			obligation, err = s.journal.recordTx(ctx, tx, JournalEntry{
				From:                 s.policy.PoolAccount,
				To:                   instructor,
				Amount:               share,
				Description:          req.Description,
				Kind:                 domain.KindObligation,
				IdempotencyKey:       domain.ObligationKey(debitID),
				RelatedTransactionID: &debitID,
			}, domain.StatusPending)
			if err != nil {
				return err
			}
		}
		newBalance = learnerBalance
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return s.replayTuition(ctx, idempotencyKey, learner, req.Price)
	}
	if err != nil {
		return nil, err
	}

	resp = &domain.TuitionPaymentResponse{
		TransactionID:   debit.ID,
		InstructorShare: share,
		NewBalance:      newBalance,
	}
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventDebitCompleted, debit))
	if obligation != nil {
		resp.ObligationTransactionID = obligation.ID
		s.events.publish(ctx, domain.NewTransactionEvent(domain.EventObligationRecorded, obligation))
	}

	s.logger.Info("tuition paid",
		zap.String("component", "saga"),
		zap.String("transaction_id", debit.ID.String()),
		zap.String("learner_account", learner),
		zap.String("instructor_account", instructor),
		zap.String("price", req.Price.String()),
		zap.String("instructor_share", share.String()),
	)
	return resp, nil
}

func (s *SettlementSaga) replayTuition(ctx context.Context, key, learner string, price decimal.Decimal) (*domain.TuitionPaymentResponse, error) {
	debit, err := s.replayDebit(ctx, key, learner, price)
	if debit == nil || err != nil {
		return nil, err
	}
	resp := &domain.TuitionPaymentResponse{TransactionID: debit.TransactionID, NewBalance: debit.NewBalance}
	obligation, err := derivedRecord(ctx, s.store, domain.ObligationKey(debit.TransactionID), domain.KindObligation, debit.TransactionID)
	switch {
	case err == nil:
		resp.ObligationTransactionID = obligation.ID
		resp.InstructorShare = obligation.Amount
	case errors.Is(err, store.ErrTransactionNotFound):
		resp.InstructorShare = decimal.Zero
	default:
		return nil, err
	}
	return resp, nil
}

// ReversePayment credits a debit back to the learner. It refuses once an obligation
// has been recorded against the debit, or when the pool could no longer cover what it
// owes afterwards. It is idempotent on reversal:<debitId>.
func (s *SettlementSaga) ReversePayment(ctx context.Context, debitID uuid.UUID, reason string) (resp *domain.ReversalResponse, err error) {
	ctx, span := startSpan(ctx, "SettlementSaga.ReversePayment",
		attribute.String("ledger.transaction_id", debitID.String()),
	)
	defer func() { endSpan(span, err) }()

	key := domain.ReversalKey(debitID)
	if existing, err := derivedRecord(ctx, s.store, key, domain.KindReversal, debitID); err == nil {
		account, err := s.store.GetAccount(ctx, existing.Destination())
		if err != nil {
			return nil, err
		}
		return &domain.ReversalResponse{TransactionID: existing.ID, NewBalance: account.Balance}, nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, err
	}

	description := "Reversal"
	if reason = strings.TrimSpace(reason); reason != "" {
		description = "Reversal: " + reason
	}

	var (
		record     *domain.TransactionRecord
		newBalance decimal.Decimal
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		debit, err := tx.GetTransactionForUpdate(ctx, debitID)
		if err != nil {
			return err
		}
		if debit.Kind != domain.KindDebit {
			return fmt.Errorf("%w: %s is not a debit", ErrInvalidRequest, debitID)
		}
		_, err = derivedRecord(ctx, tx, domain.ObligationKey(debitID), domain.KindObligation, debitID)
		if err == nil {
			return ErrObligationExists
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return err
		}

		pool := debit.Destination()
		poolBalance, learnerBalance, err := s.ledger.transferTx(ctx, tx, pool, debit.FromAccount, debit.Amount)
		if err != nil {
			return err
		}
		committed, err := tx.PoolCommitments(ctx, pool, debitID)
		if err != nil {
			return err
		}
		if poolBalance.LessThan(committed) {
			return fmt.Errorf("%w: %s left, %s owed", ErrPoolCommitted, poolBalance, committed)
		}
		record, err = s.journal.recordTx(ctx, tx, JournalEntry{
			From:                 pool,
			To:                   debit.FromAccount,
			Amount:               debit.Amount,
			Description:          description,
			Kind:                 domain.KindReversal,
			IdempotencyKey:       key,
			RelatedTransactionID: &debitID,
		}, domain.StatusCompleted)
		if err != nil {
			return err
		}
		if err := tx.MarkObligationReversed(ctx, debitID, description); err != nil && !errors.Is(err, store.ErrObligationNotFound) {
			return err
		}
		newBalance = learnerBalance
		return nil
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		return s.ReversePayment(ctx, debitID, reason)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Warn("payment reversed",
		zap.String("component", "saga"),
		zap.String("transaction_id", record.ID.String()),
		zap.String("debit_transaction_id", debitID.String()),
		zap.String("learner_account", record.Destination()),
		zap.String("amount", record.Amount.String()),
		zap.String("reason", reason),
	)
	s.events.publish(ctx, domain.NewTransactionEvent(domain.EventPaymentReversed, record))
	return &domain.ReversalResponse{TransactionID: record.ID, NewBalance: newBalance}, nil
}

// Transaction returns a journal record by id.
func (s *SettlementSaga) Transaction(ctx context.Context, id uuid.UUID) (*domain.TransactionRecord, error) {
	return s.journal.Get(ctx, id)
}

// TransactionByIdempotencyKey lets a caller that timed out learn whether its request
// committed before retrying.
func (s *SettlementSaga) TransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	return s.journal.FindByIdempotencyKey(ctx, key)
}
