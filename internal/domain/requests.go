package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RegisterRequest is the DTO for account registration. InitialBalance defaults to zero.
type RegisterRequest struct {
	AccountNumber  string           `json:"accountNumber"`
	Secret         string           `json:"secret"`
	InitialBalance *decimal.Decimal `json:"initialBalance,omitempty"`
}

type BalanceRequest struct {
	AccountNumber string `json:"accountNumber"`
	Secret        string `json:"secret"`
}

type AccountResponse struct {
	AccountNumber string          `json:"accountNumber"`
	Balance       decimal.Decimal `json:"balance"`
}

// DebitRequest moves funds from a learner into the pool. When Obligation is set, the
// instructor's share is queued durably in the same transaction.
type DebitRequest struct {
	FromAccount string            `json:"fromAccount"`
	Secret      string            `json:"secret"`
	Amount      decimal.Decimal   `json:"amount"`
	Description string            `json:"description"`
	Obligation  *ObligationIntent `json:"obligation,omitempty"`
}

// ObligationIntent names the payee of a debit. A nil Amount means the configured
// instructor share of the debit amount.
type ObligationIntent struct {
	ToAccount   string           `json:"toAccount"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Description string           `json:"description"`
}

type DebitResponse struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

// PendingTransferRequest records a liability of FromAccount (the pool) toward ToAccount.
// DebitTransactionID ties the record to the debit that funded it and makes retries safe.
type PendingTransferRequest struct {
	FromAccount        string          `json:"fromAccount"`
	ToAccount          string          `json:"toAccount"`
	Amount             decimal.Decimal `json:"amount"`
	Secret             string          `json:"secret"`
	Description        string          `json:"description"`
	DebitTransactionID *uuid.UUID      `json:"debitTransactionId,omitempty"`
}

type PendingTransferResponse struct {
	TransactionID uuid.UUID `json:"transactionId"`
}

type SettleTransferRequest struct {
	TransactionID uuid.UUID `json:"transactionId"`
	ToAccount     string    `json:"toAccount"`
	Secret        string    `json:"secret"`
}

type SettleTransferResponse struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

// DirectCreditRequest pays ToAccount straight from the pool. Secret is the pool's.
type DirectCreditRequest struct {
	ToAccount   string          `json:"toAccount"`
	Amount      decimal.Decimal `json:"amount"`
	Secret      string          `json:"secret"`
	Description string          `json:"description"`
}

type DirectCreditResponse struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

// TuitionPaymentRequest debits the learner and records the instructor obligation in
// one atomic call.
type TuitionPaymentRequest struct {
	LearnerAccount    string          `json:"learnerAccount"`
	Secret            string          `json:"secret"`
	InstructorAccount string          `json:"instructorAccount"`
	Price             decimal.Decimal `json:"price"`
	Description       string          `json:"description"`
}

type TuitionPaymentResponse struct {
	TransactionID           uuid.UUID       `json:"transactionId"`
	ObligationTransactionID uuid.UUID       `json:"obligationTransactionId"`
	InstructorShare         decimal.Decimal `json:"instructorShare"`
	NewBalance              decimal.Decimal `json:"newBalance"`
}

// CourseUploadPaymentRequest pays the flat course-upload fee to an instructor. Secret
// is the pool's; it is empty when the request comes from the internal event bus.
type CourseUploadPaymentRequest struct {
	ToAccount   string `json:"toAccount"`
	Secret      string `json:"secret"`
	CourseID    string `json:"courseId"`
	CourseTitle string `json:"courseTitle"`
}

type CourseUploadPaymentResponse struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}

type ReversalRequest struct {
	Reason string `json:"reason"`
}

type ReversalResponse struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	NewBalance    decimal.Decimal `json:"newBalance"`
}
