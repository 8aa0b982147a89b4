/**
 * @description
 * Core domain models for the ledger-service. Accounts, transaction records and
 * obligation intents map directly to database tables; request/response DTOs for
 * the HTTP layer live alongside them.
 *
 * @notes
 * - Amounts are shopspring decimals in memory and int64 minor units in storage.
 * - Secrets never leave the service; only their bcrypt hash is persisted.
 */

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxAccountNumberLength = 64

	// InstructorAccountPrefix is how the enrollment collaborator names instructor
	// accounts (INST-<instructorId>).
	InstructorAccountPrefix = "INST-"
)

var ErrInvalidAccountNumber = errors.New("account number must be 1-64 characters")

// Account is a ledger account. Balance is never negative.
type Account struct {
	AccountNumber  string          `json:"accountNumber"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"-"`
	SecretHash     string          `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NormalizeAccountNumber trims surrounding whitespace from an account identifier.
func NormalizeAccountNumber(accountNumber string) string {
	return strings.TrimSpace(accountNumber)
}

func ValidateAccountNumber(accountNumber string) error {
	if accountNumber == "" || len(accountNumber) > MaxAccountNumberLength {
		return ErrInvalidAccountNumber
	}
	return nil
}

// InstructorAccountNumber returns the ledger account used for an instructor id.
func InstructorAccountNumber(instructorID string) string {
	return InstructorAccountPrefix + strings.TrimSpace(instructorID)
}
