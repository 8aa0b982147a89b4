package app

import (
	"context"
	"errors"
	"time"

	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	defaultObligationBatchSize   = 50
	defaultObligationPoll        = 5 * time.Second
	defaultObligationMaxAttempts = 8
)

// ObligationRelay drains the obligation outbox. Each queued intent becomes a pending
// journal record; an intent that keeps failing is compensated by reversing its debit.
type ObligationRelay struct {
	repo                store.Store
	saga                *SettlementSaga
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	maxAttempts         int
	logger              *zap.Logger
}

type ObligationRelayOptions struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

func NewObligationRelay(repo store.Store, saga *SettlementSaga, opts ObligationRelayOptions, logger *zap.Logger) *ObligationRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ObligationRelay{
		repo:         repo,
		saga:         saga,
		batchSize:    defaultObligationBatchSize,
		pollInterval: defaultObligationPoll,
		maxAttempts:  defaultObligationMaxAttempts,
		logger:       logger,
	}
	if opts.BatchSize > 0 {
		r.batchSize = opts.BatchSize
	}
	if opts.PollInterval > 0 {
		r.pollInterval = opts.PollInterval
	}
	if opts.MaxAttempts > 0 {
		r.maxAttempts = opts.MaxAttempts
	}
	r.staleProcessingTime = 2 * r.pollInterval
	return r
}

func (r *ObligationRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.FlushOnce(ctx); err != nil {
				r.logger.Error("obligation relay flush failed", zap.String("component", "obligation_relay"), zap.Error(err))
			}
		}
	}
}

// FlushOnce processes one batch and returns how many intents were claimed.
func (r *ObligationRelay) FlushOnce(ctx context.Context) (int, error) {
	obligations, err := r.repo.ClaimObligations(ctx, r.batchSize, r.staleProcessingTime)
	if err != nil {
		return 0, err
	}

	for _, obligation := range obligations {
		r.process(ctx, obligation)
	}
	return len(obligations), nil
}

func (r *ObligationRelay) process(ctx context.Context, obligation domain.Obligation) {
	debitID := obligation.DebitTransactionID
	logger := r.logger.With(
		zap.String("component", "obligation_relay"),
		zap.String("debit_transaction_id", debitID.String()),
		zap.Int("attempt", obligation.Attempts),
	)

	_, err := r.saga.recordObligation(ctx, obligation.PoolAccount, obligation.ToAccount, obligation.Amount, obligation.Description, &debitID)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPaymentReversed) {
		logger.Info("debit already reversed; dropping obligation")
		if markErr := r.repo.MarkObligationReversed(ctx, debitID, err.Error()); markErr != nil {
			logger.Warn("failed to mark obligation reversed", zap.Error(markErr))
		}
		return
	}

	if obligation.Attempts < r.maxAttempts {
		retryAfter := time.Duration(retryDelaySeconds(obligation.Attempts)) * time.Second
		logger.Warn("obligation attempt failed", zap.Duration("retry_after", retryAfter), zap.Error(err))
		if markErr := r.repo.MarkObligationFailed(ctx, debitID, retryAfter, err.Error()); markErr != nil {
			logger.Error("failed to reschedule obligation", zap.Error(markErr))
		}
		return
	}

	logger.Error("obligation exhausted retries; reversing debit", zap.Error(err))
	if _, revErr := r.saga.ReversePayment(ctx, debitID, "obligation could not be recorded"); revErr != nil {
		logger.Error("CRITICAL: failed to reverse debit after obligation failure",
			zap.NamedError("obligation_error", err),
			zap.NamedError("reversal_error", revErr),
		)
		retryAfter := time.Duration(retryDelaySeconds(obligation.Attempts)) * time.Second
		if markErr := r.repo.MarkObligationFailed(ctx, debitID, retryAfter, revErr.Error()); markErr != nil {
			logger.Error("failed to reschedule obligation", zap.Error(markErr))
		}
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
