package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
)

type TransactionKind string

const (
	KindDebit        TransactionKind = "debit"
	KindObligation   TransactionKind = "obligation"
	KindDirectCredit TransactionKind = "direct_credit"
	KindReversal     TransactionKind = "reversal"
)

// TransactionRecord is one journal entry. A completed record is immutable; a pending
// record moves to completed exactly once.
// This struct maps directly to the `transactions` table.
type TransactionRecord struct {
	ID                   uuid.UUID         `json:"id"`
	FromAccount          string            `json:"fromAccount"`
	ToAccount            *string           `json:"toAccount"`
	Amount               decimal.Decimal   `json:"amount"`
	Description          string            `json:"description"`
	Kind                 TransactionKind   `json:"kind"`
	Status               TransactionStatus `json:"status"`
	IdempotencyKey       *string           `json:"idempotencyKey,omitempty"`
	RelatedTransactionID *uuid.UUID        `json:"relatedTransactionId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
}

func (r *TransactionRecord) IsPending() bool {
	return r.Status == StatusPending
}

// Destination returns the stored toAccount, or "" when it is not yet known.
func (r *TransactionRecord) Destination() string {
	if r.ToAccount == nil {
		return ""
	}
	return *r.ToAccount
}

// Idempotency keys derived by the service itself. Callers may not use these prefixes.
const (
	obligationKeyPrefix   = "obligation:"
	reversalKeyPrefix     = "reversal:"
	courseUploadKeyPrefix = "course-upload:"
)

var ErrReservedIdempotencyKey = errors.New("idempotency key uses a reserved prefix")

func ObligationKey(debitID uuid.UUID) string {
	return obligationKeyPrefix + debitID.String()
}

func ReversalKey(debitID uuid.UUID) string {
	return reversalKeyPrefix + debitID.String()
}

func CourseUploadKey(courseID string) string {
	return courseUploadKeyPrefix + courseID
}

// ValidateIdempotencyKey rejects caller keys that collide with derived ones. The
// empty key is valid and means the request is not idempotent.
func ValidateIdempotencyKey(key string) error {
	lowered := strings.ToLower(strings.TrimSpace(key))
	for _, prefix := range []string{obligationKeyPrefix, reversalKeyPrefix, courseUploadKeyPrefix} {
		if strings.HasPrefix(lowered, prefix) {
			return ErrReservedIdempotencyKey
		}
	}
	return nil
}

// StringPtr returns nil for an empty string.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
