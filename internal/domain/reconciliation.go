package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerTotals is a point-in-time aggregate over accounts and obligations.
type LedgerTotals struct {
	AccountCount            int64           `json:"accountCount"`
	TotalBalance            decimal.Decimal `json:"totalBalance"`
	TotalInitialBalance     decimal.Decimal `json:"totalInitialBalance"`
	NegativeBalances        int64           `json:"negativeBalances"`
	PendingObligationCount  int64           `json:"pendingObligationCount"`
	PendingObligationAmount decimal.Decimal `json:"pendingObligationAmount"`
	OutboxBacklog           int64           `json:"outboxBacklog"`
	ReversedObligations     int64           `json:"reversedObligations"`
}

// ReconciliationReport is produced by the periodic ledger check.
type ReconciliationReport struct {
	LedgerTotals
	PoolAccount string          `json:"poolAccount"`
	PoolBalance decimal.Decimal `json:"poolBalance"`
	Conserved   bool            `json:"conserved"`
	PoolSolvent bool            `json:"poolSolvent"`
	Problems    []string        `json:"problems,omitempty"`
	CheckedAt   time.Time       `json:"checkedAt"`
}

func (r *ReconciliationReport) Healthy() bool {
	return len(r.Problems) == 0
}
