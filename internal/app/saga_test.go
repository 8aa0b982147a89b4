package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testPool       = "LMS-ORG-001"
	testPoolSecret = "pool-secret"
)

type testHarness struct {
	repo    *store.SQLiteRepository
	gate    *AuthGate
	ledger  *AccountLedger
	journal *TransactionJournal
	saga    *SettlementSaga
}

func newHarness(t *testing.T, poolBalance int64) *testHarness {
	t.Helper()
	repo, err := store.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	logger := zap.NewNop()
	gate := NewAuthGate(bcrypt.MinCost, logger)
	ledger := NewAccountLedger(repo, gate, logger)
	journal := NewTransactionJournal(repo)
	saga := NewSettlementSaga(repo, ledger, journal, SettlementPolicy{
		PoolAccount:     testPool,
		InstructorShare: decimal.RequireFromString("0.70"),
		CourseUploadFee: decimal.NewFromInt(2000),
	}, nil, "", logger)

	h := &testHarness{repo: repo, gate: gate, ledger: ledger, journal: journal, saga: saga}
	h.register(t, testPool, testPoolSecret, poolBalance)
	return h
}

func (h *testHarness) register(t *testing.T, number, secret string, balance int64) {
	t.Helper()
	initial := decimal.NewFromInt(balance)
	_, err := h.ledger.Register(context.Background(), domain.RegisterRequest{
		AccountNumber:  number,
		Secret:         secret,
		InitialBalance: &initial,
	})
	require.NoError(t, err)
}

func (h *testHarness) balance(t *testing.T, number string) decimal.Decimal {
	t.Helper()
	account, err := h.repo.GetAccount(context.Background(), number)
	require.NoError(t, err)
	return account.Balance
}

func amount(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDebitLearnerMovesFundsIntoPool(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 5000)

	resp, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("1000")}, "")
	require.NoError(t, err)
	assert.True(t, resp.NewBalance.Equal(amount("4000")))
	assert.True(t, h.balance(t, testPool).Equal(amount("1000")))

	record, err := h.saga.Transaction(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, record.Status)
	assert.Equal(t, domain.KindDebit, record.Kind)
	assert.Equal(t, testPool, record.Destination())
	require.NotNil(t, record.CompletedAt)

	_, err = h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("4500")}, "")
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.True(t, h.balance(t, "L1").Equal(amount("4000")))
}

func TestDebitLearnerRejectsBadCredentialsAndAmounts(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 100)

	_, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "wrong", Amount: amount("10")}, "")
	assert.Equal(t, KindUnauthorized, KindOf(err))

	_, err = h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "nobody", Secret: "pw", Amount: amount("10")}, "")
	assert.Equal(t, KindNotFound, KindOf(err))

	for _, bad := range []string{"0", "-5", "1.005"} {
		_, err = h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount(bad)}, "")
		assert.Equal(t, KindInvalidRequest, KindOf(err), bad)
	}
	assert.True(t, h.balance(t, "L1").Equal(amount("100")))
}

func TestDebitLearnerReplaysIdempotencyKey(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 500)

	req := domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("100")}
	first, err := h.saga.DebitLearner(ctx, req, "order-1")
	require.NoError(t, err)
	second, err := h.saga.DebitLearner(ctx, req, "order-1")
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, h.balance(t, "L1").Equal(amount("400")))

	req.Amount = amount("200")
	_, err = h.saga.DebitLearner(ctx, req, "order-1")
	assert.Equal(t, KindIdempotencyConflict, KindOf(err))
}

func TestObligationSettlementPaysInstructorOnce(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 0)

	pending, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("700"), Secret: testPoolSecret,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.True(t, h.balance(t, testPool).Equal(amount("1000")))

	settled, err := h.saga.SettleObligation(ctx, domain.SettleTransferRequest{
		TransactionID: pending.ID, ToAccount: "INST-7", Secret: "ipw",
	})
	require.NoError(t, err)
	assert.True(t, settled.Amount.Equal(amount("700")))
	assert.True(t, settled.NewBalance.Equal(amount("700")))
	assert.True(t, h.balance(t, testPool).Equal(amount("300")))

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{
		TransactionID: pending.ID, ToAccount: "INST-7", Secret: "ipw",
	})
	assert.Equal(t, KindAlreadyProcessed, KindOf(err))
	assert.True(t, h.balance(t, "INST-7").Equal(amount("700")))
}

func TestSettleObligationMismatchLeavesRecordPending(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 0)
	h.register(t, "INST-8", "other", 0)

	pending, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("100"), Secret: testPoolSecret,
	})
	require.NoError(t, err)

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: pending.ID, ToAccount: "INST-8", Secret: "other"})
	assert.Equal(t, KindAccountMismatch, KindOf(err))

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: pending.ID, ToAccount: "INST-7", Secret: "bad"})
	assert.Equal(t, KindUnauthorized, KindOf(err))

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: uuid.New(), ToAccount: "INST-7", Secret: "ipw"})
	assert.Equal(t, KindNotFound, KindOf(err))

	record, err := h.saga.Transaction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.True(t, h.balance(t, testPool).Equal(amount("1000")))
}

func TestSettleObligationForUnregisteredInstructor(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()

	pending, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-404", Amount: amount("100"), Secret: testPoolSecret,
	})
	require.NoError(t, err)

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: pending.ID, ToAccount: "INST-404", Secret: "x"})
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestRecordObligationRequiresPoolFunds(t *testing.T) {
	h := newHarness(t, 100)
	_, err := h.saga.RecordObligation(context.Background(), domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("100.01"), Secret: testPoolSecret,
	})
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
}

func TestConcurrentSettleSucceedsExactlyOnce(t *testing.T) {
	h := newHarness(t, 1000)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 0)

	pending, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("700"), Secret: testPoolSecret,
	})
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		kinds     []ErrorKind
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: pending.ID, ToAccount: "INST-7", Secret: "ipw"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			kinds = append(kinds, KindOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	for _, kind := range kinds {
		assert.Equal(t, KindAlreadyProcessed, kind)
	}
	assert.True(t, h.balance(t, testPool).Equal(amount("300")))
	assert.True(t, h.balance(t, "INST-7").Equal(amount("700")))
}

func TestPayTuitionRecordsDebitAndObligationTogether(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 5000)
	h.register(t, "INST-7", "ipw", 0)

	resp, err := h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{
		LearnerAccount: "L1", Secret: "pw", InstructorAccount: "INST-7", Price: amount("33.33"),
	}, "enroll-1")
	require.NoError(t, err)
	assert.True(t, resp.InstructorShare.Equal(amount("23.33")))
	assert.True(t, resp.NewBalance.Equal(amount("4966.67")))

	obligation, err := h.saga.Transaction(ctx, resp.ObligationTransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, obligation.Status)
	require.NotNil(t, obligation.RelatedTransactionID)
	assert.Equal(t, resp.TransactionID, *obligation.RelatedTransactionID)

	replay, err := h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{
		LearnerAccount: "L1", Secret: "pw", InstructorAccount: "INST-7", Price: amount("33.33"),
	}, "enroll-1")
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, replay.TransactionID)
	assert.Equal(t, resp.ObligationTransactionID, replay.ObligationTransactionID)
	assert.True(t, h.balance(t, "L1").Equal(amount("4966.67")))

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: resp.ObligationTransactionID, ToAccount: "INST-7", Secret: "ipw"})
	require.NoError(t, err)
	assert.True(t, h.balance(t, testPool).Equal(amount("10")))
}

func TestCreditDirectAndCourseUploadFee(t *testing.T) {
	h := newHarness(t, 5000)
	ctx := context.Background()
	h.register(t, "INST-7", "ipw", 0)

	_, err := h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "INST-7", Amount: amount("50"), Secret: "wrong"}, "")
	assert.Equal(t, KindUnauthorized, KindOf(err))

	credit, err := h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "INST-7", Amount: amount("50"), Secret: testPoolSecret}, "")
	require.NoError(t, err)
	assert.True(t, credit.NewBalance.Equal(amount("50")))

	first, err := h.saga.PayCourseUploadFee(ctx, domain.CourseUploadPaymentRequest{ToAccount: "INST-7", Secret: testPoolSecret, CourseID: "c-1", CourseTitle: "Go"})
	require.NoError(t, err)
	second, err := h.saga.PayCourseUploadFee(ctx, domain.CourseUploadPaymentRequest{ToAccount: "INST-7", Secret: testPoolSecret, CourseID: "c-1", CourseTitle: "Go"})
	require.NoError(t, err)

	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, h.balance(t, "INST-7").Equal(amount("2050")))
	assert.True(t, h.balance(t, testPool).Equal(amount("2950")))
}

func TestReversePaymentRefundsLearner(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("300")}, "")
	require.NoError(t, err)

	reversal, err := h.saga.ReversePayment(ctx, debit.TransactionID, "course withdrawn")
	require.NoError(t, err)
	assert.True(t, reversal.NewBalance.Equal(amount("1000")))
	assert.True(t, h.balance(t, testPool).IsZero())

	again, err := h.saga.ReversePayment(ctx, debit.TransactionID, "course withdrawn")
	require.NoError(t, err)
	assert.Equal(t, reversal.TransactionID, again.TransactionID)
	assert.True(t, h.balance(t, "L1").Equal(amount("1000")))

	_, err = h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("1"), Secret: testPoolSecret, DebitTransactionID: &debit.TransactionID,
	})
	assert.ErrorIs(t, err, ErrPaymentReversed)
}

func TestReversePaymentRefusedOnceObligationRecorded(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)

	resp, err := h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{
		LearnerAccount: "L1", Secret: "pw", InstructorAccount: "INST-7", Price: amount("100"),
	}, "")
	require.NoError(t, err)

	_, err = h.saga.ReversePayment(ctx, resp.TransactionID, "")
	assert.ErrorIs(t, err, ErrObligationExists)
	assert.True(t, h.balance(t, "L1").Equal(amount("900")))
}

func TestMoneyIsConservedAcrossTheProtocol(t *testing.T) {
	h := newHarness(t, 2000)
	ctx := context.Background()
	h.register(t, "L1", "pw", 5000)
	h.register(t, "L2", "pw", 250)
	h.register(t, "INST-7", "ipw", 0)

	first, err := h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{LearnerAccount: "L1", Secret: "pw", InstructorAccount: "INST-7", Price: amount("1000")}, "")
	require.NoError(t, err)
	_, err = h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{LearnerAccount: "L2", Secret: "pw", InstructorAccount: "INST-7", Price: amount("300")}, "")
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: first.ObligationTransactionID, ToAccount: "INST-7", Secret: "ipw"})
	require.NoError(t, err)
	_, err = h.saga.PayCourseUploadFee(ctx, domain.CourseUploadPaymentRequest{ToAccount: "INST-7", Secret: testPoolSecret, CourseID: "c-9"})
	require.NoError(t, err)

	totals, err := h.repo.LedgerTotals(ctx)
	require.NoError(t, err)
	assert.True(t, totals.TotalBalance.Equal(amount("7250")))
	assert.True(t, totals.TotalBalance.Equal(totals.TotalInitialBalance))
	assert.Zero(t, totals.NegativeBalances)
}

func TestConcurrentDuplicateRegistration(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ledger.Register(ctx, domain.RegisterRequest{AccountNumber: "DUP", Secret: "pw"})
			mu.Lock()
			defer mu.Unlock()
			switch KindOf(err) {
			case "":
				created++
			case KindAlreadyExists:
				exists++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, exists)
}

func TestObligationRelayRecordsQueuedIntent(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{
		FromAccount: "L1", Secret: "pw", Amount: amount("200"),
		Obligation: &domain.ObligationIntent{ToAccount: "INST-7"},
	}, "")
	require.NoError(t, err)

	relay := NewObligationRelay(h.repo, h.saga, ObligationRelayOptions{}, zap.NewNop())
	claimed, err := relay.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	obligation, err := h.repo.GetObligation(ctx, debit.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ObligationRecorded, obligation.State)
	require.NotNil(t, obligation.ObligationTransactionID)

	record, err := h.saga.TransactionByIdempotencyKey(ctx, domain.ObligationKey(debit.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, *obligation.ObligationTransactionID, record.ID)
	assert.True(t, record.Amount.Equal(amount("140")))

	claimed, err = relay.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestObligationRelayReschedulesWhenReversalFails(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{
		FromAccount: "L1", Secret: "pw", Amount: amount("200"),
		Obligation: &domain.ObligationIntent{ToAccount: "INST-7"},
	}, "")
	require.NoError(t, err)

	// Drain the pool so the obligation can never be covered.
	_, err = h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "L1", Amount: amount("200"), Secret: testPoolSecret}, "")
	require.NoError(t, err)

	relay := NewObligationRelay(h.repo, h.saga, ObligationRelayOptions{MaxAttempts: 1}, zap.NewNop())
	_, err = relay.FlushOnce(ctx)
	require.NoError(t, err)

	obligation, err := h.repo.GetObligation(ctx, debit.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ObligationPending, obligation.State)
	assert.Equal(t, 1, obligation.Attempts)
	assert.True(t, obligation.NextAttemptAt.After(time.Now().UTC()))
}

func TestRetryDelaySeconds(t *testing.T) {
	assert.Equal(t, 1, retryDelaySeconds(0))
	assert.Equal(t, 2, retryDelaySeconds(1))
	assert.Equal(t, 256, retryDelaySeconds(8))
	assert.Equal(t, 256, retryDelaySeconds(20))
}

func TestReservedIdempotencyKeysAreRejected(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)
	h.register(t, "L2", "pw", 1000)
	h.register(t, "INST-7", "ipw", 0)

	first, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("300")}, "")
	require.NoError(t, err)

	_, err = h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L2", Secret: "pw", Amount: amount("50")}, domain.ReversalKey(first.TransactionID))
	assert.ErrorIs(t, err, domain.ErrReservedIdempotencyKey)
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = h.saga.PayTuition(ctx, domain.TuitionPaymentRequest{
		LearnerAccount: "L2", Secret: "pw", InstructorAccount: "INST-7", Price: amount("50"),
	}, " "+domain.ObligationKey(first.TransactionID))
	assert.ErrorIs(t, err, domain.ErrReservedIdempotencyKey)

	_, err = h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "INST-7", Amount: amount("10"), Secret: testPoolSecret}, "COURSE-UPLOAD:c-1")
	assert.ErrorIs(t, err, domain.ErrReservedIdempotencyKey)

	assert.True(t, h.balance(t, "L2").Equal(amount("1000")))
	assert.True(t, h.balance(t, testPool).Equal(amount("300")))

	reversal, err := h.saga.ReversePayment(ctx, first.TransactionID, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionID, reversal.TransactionID)
	assert.True(t, reversal.NewBalance.Equal(amount("1000")))
	assert.True(t, h.balance(t, testPool).IsZero())
}

func TestReversePaymentIgnoresRecordsHoldingItsKey(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)
	h.register(t, "L2", "pw", 1000)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("300")}, "")
	require.NoError(t, err)

	// A record written before reserved prefixes were enforced.
	now := time.Now().UTC()
	stray := &domain.TransactionRecord{
		ID:             uuid.New(),
		FromAccount:    "L2",
		ToAccount:      domain.StringPtr(testPool),
		Amount:         amount("50"),
		Kind:           domain.KindDebit,
		Status:         domain.StatusCompleted,
		IdempotencyKey: domain.StringPtr(domain.ReversalKey(debit.TransactionID)),
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	require.NoError(t, h.repo.InsertTransaction(ctx, stray))

	_, err = h.saga.ReversePayment(ctx, debit.TransactionID, "")
	assert.Equal(t, KindIdempotencyConflict, KindOf(err))
	assert.True(t, h.balance(t, "L1").Equal(amount("700")))

	_, err = h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("100"), Secret: testPoolSecret, DebitTransactionID: &debit.TransactionID,
	})
	assert.Equal(t, KindIdempotencyConflict, KindOf(err))
}

func TestReversePaymentRefusedWhilePoolOwesInstructors(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)
	h.register(t, "INST-7", "ipw", 0)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("1000")}, "")
	require.NoError(t, err)
	pending, err := h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("700"), Secret: testPoolSecret,
	})
	require.NoError(t, err)

	_, err = h.saga.ReversePayment(ctx, debit.TransactionID, "refund requested")
	assert.ErrorIs(t, err, ErrPoolCommitted)
	assert.Equal(t, KindInsufficientFunds, KindOf(err))
	assert.True(t, h.balance(t, "L1").IsZero())
	assert.True(t, h.balance(t, testPool).Equal(amount("1000")))

	_, err = h.saga.TransactionByIdempotencyKey(ctx, domain.ReversalKey(debit.TransactionID))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = h.saga.SettleObligation(ctx, domain.SettleTransferRequest{TransactionID: pending.ID, ToAccount: "INST-7", Secret: "ipw"})
	require.NoError(t, err)
	assert.True(t, h.balance(t, "INST-7").Equal(amount("700")))
}

func TestReversePaymentAllowedWhenPoolStaysSolvent(t *testing.T) {
	h := newHarness(t, 2000)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)

	debit, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L1", Secret: "pw", Amount: amount("1000")}, "")
	require.NoError(t, err)
	_, err = h.saga.RecordObligation(ctx, domain.PendingTransferRequest{
		FromAccount: testPool, ToAccount: "INST-7", Amount: amount("700"), Secret: testPoolSecret,
	})
	require.NoError(t, err)

	reversal, err := h.saga.ReversePayment(ctx, debit.TransactionID, "")
	require.NoError(t, err)
	assert.True(t, reversal.NewBalance.Equal(amount("1000")))
	assert.True(t, h.balance(t, testPool).Equal(amount("2000")))

	report, err := NewReconciler(h.repo, h.saga, zap.NewNop()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
}

func TestReversePaymentCountsQueuedObligations(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.register(t, "L1", "pw", 1000)
	h.register(t, "L2", "pw", 1000)
	h.register(t, "INST-9", "ipw", 0)

	queuedShare := amount("500")
	_, err := h.saga.DebitLearner(ctx, domain.DebitRequest{
		FromAccount: "L1", Secret: "pw", Amount: amount("500"),
		Obligation: &domain.ObligationIntent{ToAccount: "INST-7", Amount: &queuedShare},
	}, "")
	require.NoError(t, err)
	second, err := h.saga.DebitLearner(ctx, domain.DebitRequest{FromAccount: "L2", Secret: "pw", Amount: amount("300")}, "")
	require.NoError(t, err)
	_, err = h.saga.CreditDirect(ctx, domain.DirectCreditRequest{ToAccount: "INST-9", Amount: amount("100"), Secret: testPoolSecret}, "")
	require.NoError(t, err)

	_, err = h.saga.ReversePayment(ctx, second.TransactionID, "")
	assert.ErrorIs(t, err, ErrPoolCommitted)
	assert.True(t, h.balance(t, "L2").Equal(amount("700")))
	assert.True(t, h.balance(t, testPool).Equal(amount("700")))
}
