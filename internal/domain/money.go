package domain

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for every amount. Balances and
// transaction amounts are persisted as int64 minor units at this scale.
const AmountScale int32 = 2

var (
	ErrInvalidAmount = errors.New("amount must be positive with at most 2 decimal places")

	// MaxAmount keeps minor-unit arithmetic well inside int64.
	MaxAmount = decimal.New(1, 13)
)

// ParseAmount parses a decimal string such as "1000" or "12.50".
func ParseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ValidateAmount checks a transfer amount: strictly positive, representable at AmountScale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return validateScale(amount)
}

// ValidateInitialBalance is ValidateAmount but admits zero.
func ValidateInitialBalance(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	return validateScale(amount)
}

func validateScale(amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return ErrInvalidAmount
	}
	if amount.Abs().GreaterThan(MaxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

// ToMinorUnits converts an amount to the integer representation used in storage.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(AmountScale).IntPart()
}

// FromMinorUnits converts a stored integer amount back to a decimal.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -AmountScale)
}

// ShareOf applies a ratio to an amount and truncates to AmountScale, so the pool keeps
// any sub-cent remainder and never promises more than it received.
func ShareOf(amount, ratio decimal.Decimal) decimal.Decimal {
	return amount.Mul(ratio).Truncate(AmountScale)
}
