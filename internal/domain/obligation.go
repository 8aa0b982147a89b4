package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ObligationState string

const (
	ObligationPending    ObligationState = "pending"
	ObligationProcessing ObligationState = "processing"
	ObligationRecorded   ObligationState = "recorded"
	ObligationReversed   ObligationState = "reversed"
)

// Obligation is the durable intent to record an instructor's share of a debit. It is
// written in the same transaction as the debit and drained by the obligation relay
// until the pending journal record exists, or the debit has been reversed.
type Obligation struct {
	DebitTransactionID      uuid.UUID       `json:"debitTransactionId"`
	PoolAccount             string          `json:"poolAccount"`
	ToAccount               string          `json:"toAccount"`
	Amount                  decimal.Decimal `json:"amount"`
	Description             string          `json:"description"`
	State                   ObligationState `json:"state"`
	Attempts                int             `json:"attempts"`
	NextAttemptAt           time.Time       `json:"nextAttemptAt"`
	ProcessingStartedAt     *time.Time      `json:"processingStartedAt,omitempty"`
	LastError               *string         `json:"lastError,omitempty"`
	ObligationTransactionID *uuid.UUID      `json:"obligationTransactionId,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}
