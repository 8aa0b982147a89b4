package app

import (
	"errors"

	"github.com/tuition/ledger-service/internal/domain"
	"github.com/tuition/ledger-service/internal/store"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("too many failed authentication attempts")
	ErrInvalidAmount       = domain.ErrInvalidAmount
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidSecret       = errors.New("secret must be between 1 and 72 bytes")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrObligationExists    = errors.New("obligation already recorded for this payment")
	ErrPaymentReversed     = errors.New("payment has been reversed")
	ErrPoolCommitted       = errors.New("pool funds are committed to pending obligations")
)

// ErrorKind is the externally visible failure taxonomy.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindUnauthorized        ErrorKind = "Unauthorized"
	KindAlreadyExists       ErrorKind = "AlreadyExists"
	KindInsufficientFunds   ErrorKind = "InsufficientFunds"
	KindAlreadyProcessed    ErrorKind = "AlreadyProcessed"
	KindAccountMismatch     ErrorKind = "AccountMismatch"
	KindIdempotencyConflict ErrorKind = "IdempotencyConflict"
	KindRateLimited         ErrorKind = "RateLimited"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindInternal            ErrorKind = "Internal"
)

// KindOf classifies err. Anything unrecognised is Internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTransactionNotFound),
		errors.Is(err, store.ErrObligationNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, store.ErrAccountExists):
		return KindAlreadyExists
	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, ErrPoolCommitted):
		return KindInsufficientFunds
	case errors.Is(err, store.ErrAlreadyProcessed),
		errors.Is(err, ErrObligationExists),
		errors.Is(err, ErrPaymentReversed):
		return KindAlreadyProcessed
	case errors.Is(err, store.ErrAccountMismatch):
		return KindAccountMismatch
	case errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, store.ErrDuplicateIdempotencyKey):
		return KindIdempotencyConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidSecret),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrReservedIdempotencyKey),
		errors.Is(err, domain.ErrInvalidAccountNumber):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
