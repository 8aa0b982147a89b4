package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the ledger events exchange.
const (
	EventAccountRegistered    = "ledger.account.registered"
	EventDebitCompleted       = "ledger.debit.completed"
	EventObligationRecorded   = "ledger.obligation.recorded"
	EventObligationSettled    = "ledger.obligation.settled"
	EventCreditCompleted      = "ledger.credit.completed"
	EventPaymentReversed      = "ledger.payment.reversed"
	EventReconciliationFailed = "ledger.reconciliation.failed"
)

// EventCourseUploaded is consumed from the catalog collaborator's exchange.
const EventCourseUploaded = "course.uploaded"

// LedgerEvent is the payload published after a money movement commits.
type LedgerEvent struct {
	Type          string          `json:"type"`
	TransactionID *uuid.UUID      `json:"transactionId,omitempty"`
	FromAccount   string          `json:"fromAccount,omitempty"`
	ToAccount     string          `json:"toAccount,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status,omitempty"`
	Detail        string          `json:"detail,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// NewTransactionEvent builds an event describing a journal record.
func NewTransactionEvent(eventType string, record *TransactionRecord) LedgerEvent {
	id := record.ID
	return LedgerEvent{
		Type:          eventType,
		TransactionID: &id,
		FromAccount:   record.FromAccount,
		ToAccount:     record.Destination(),
		Amount:        record.Amount,
		Status:        string(record.Status),
		OccurredAt:    time.Now().UTC(),
	}
}

// CourseUploadedEvent is published by the catalog when an instructor uploads a course.
// InstructorAccount wins over InstructorID when both are present.
type CourseUploadedEvent struct {
	CourseID          string `json:"courseId"`
	CourseTitle       string `json:"courseTitle"`
	InstructorID      string `json:"instructorId"`
	InstructorAccount string `json:"instructorAccount"`
}
