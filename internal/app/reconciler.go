package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
	"go.uber.org/zap"
)

// Reconciler checks the ledger-wide invariants: money is conserved, no balance is
// negative and the pool covers every pending obligation.
type Reconciler struct {
	repo        store.Store
	poolAccount string
	events      *eventPublisher
	logger      *zap.Logger

	mu   sync.RWMutex
	last *domain.ReconciliationReport
}

func NewReconciler(repo store.Store, saga *SettlementSaga, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		repo:        repo,
		poolAccount: saga.policy.PoolAccount,
		events:      saga.events,
		logger:      logger,
	}
}

func (r *Reconciler) Run(ctx context.Context) (*domain.ReconciliationReport, error) {
	totals, err := r.repo.LedgerTotals(ctx)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconciliationReport{
		LedgerTotals: *totals,
		PoolAccount:  r.poolAccount,
		Conserved:    totals.TotalBalance.Equal(totals.TotalInitialBalance),
		CheckedAt:    time.Now().UTC(),
	}
	if !report.Conserved {
		report.Problems = append(report.Problems, fmt.Sprintf("total balance %s differs from total initial balance %s",
			totals.TotalBalance.StringFixed(domain.AmountScale), totals.TotalInitialBalance.StringFixed(domain.AmountScale)))
	}
	if totals.NegativeBalances > 0 {
		report.Problems = append(report.Problems, fmt.Sprintf("%d accounts hold a negative balance", totals.NegativeBalances))
	}

	pool, err := r.repo.GetAccount(ctx, r.poolAccount)
	switch {
	case err == nil:
		report.PoolBalance = pool.Balance
		report.PoolSolvent = pool.Balance.GreaterThanOrEqual(totals.PendingObligationAmount)
		if !report.PoolSolvent {
			report.Problems = append(report.Problems, fmt.Sprintf("pool balance %s cannot cover pending obligations %s",
				pool.Balance.StringFixed(domain.AmountScale), totals.PendingObligationAmount.StringFixed(domain.AmountScale)))
		}
	case KindOf(err) == KindNotFound:
		report.Problems = append(report.Problems, "pool account "+r.poolAccount+" does not exist")
	default:
		return nil, err
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	if report.Healthy() {
		r.logger.Info("ledger reconciled",
			zap.String("component", "reconciler"),
			zap.Int64("accounts", totals.AccountCount),
			zap.String("total_balance", totals.TotalBalance.String()),
			zap.Int64("pending_obligations", totals.PendingObligationCount),
			zap.Int64("outbox_backlog", totals.OutboxBacklog),
		)
		return report, nil
	}

	r.logger.Error("ledger reconciliation found problems",
		zap.String("component", "reconciler"),
		zap.Strings("problems", report.Problems),
	)
	r.events.publish(ctx, domain.LedgerEvent{
		Type:       domain.EventReconciliationFailed,
		ToAccount:  r.poolAccount,
		Amount:     totals.PendingObligationAmount,
		Detail:     fmt.Sprint(report.Problems),
		OccurredAt: report.CheckedAt,
	})
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (r *Reconciler) LastReport() *domain.ReconciliationReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Scheduler runs the reconciler on a cron schedule.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	timeout    time.Duration
	logger     *zap.Logger
}

func NewScheduler(reconciler *Reconciler, schedule string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.With(zap.String("component", "cron"))))
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		reconciler: reconciler,
		schedule:   schedule,
		timeout:    time.Minute,
		logger:     logger,
	}
}

// Start registers the reconciliation job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.reconcile); err != nil {
		s.logger.Error("failed to schedule reconciliation job", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled reconciliation job", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.reconciler.Run(ctx); err != nil {
		s.logger.Error("reconciliation job failed", zap.String("component", "reconciler"), zap.Error(err))
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
