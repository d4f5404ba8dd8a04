package domain

import (
	"errors"
	"fmt"
)

// ValueObject represents an immutable domain concept defined by its attributes.
type ValueObject interface {
	Equals(other ValueObject) bool
}

// ErrCurrencyMismatch is returned when combining money of different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money represents a monetary amount in the minor unit of its currency
// (cents for EUR and USD). Shared by billing and subscriptions.
type Money struct {
	amount   int64
	currency string
}

// NewMoney creates a Money value. Currency is an ISO 4217 code such as "EUR".
func NewMoney(amount int64, currency string) (Money, error) {
	if amount < 0 {
		return Money{}, fmt.Errorf("money amount must not be negative, got %d", amount)
	}
	if len(currency) != 3 {
		return Money{}, fmt.Errorf("invalid currency code %q", currency)
	}
	return Money{amount: amount, currency: currency}, nil
}

// MustMoney creates a Money value and panics on invalid input.
// Intended for static plan definitions and tests.
func MustMoney(amount int64, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Amount returns the amount in minor units.
func (m Money) Amount() int64 { return m.amount }

// Currency returns the ISO 4217 currency code.
func (m Money) Currency() string { return m.currency }

// IsZero returns true for the zero amount.
func (m Money) IsZero() bool { return m.amount == 0 }

// Add returns m plus other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{amount: m.amount + other.amount, currency: m.currency}, nil
}

// Sub returns m minus other. Both operands must share a currency and the
// result must not be negative.
func (m Money) Sub(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.amount > m.amount {
		return Money{}, fmt.Errorf("cannot subtract %d from %d", other.amount, m.amount)
	}
	return Money{amount: m.amount - other.amount, currency: m.currency}, nil
}

// Equals checks if two Money values are equal.
func (m Money) Equals(other ValueObject) bool {
	if otherMoney, ok := other.(Money); ok {
		return m.amount == otherMoney.amount && m.currency == otherMoney.currency
	}
	return false
}

// String formats the amount with its currency, e.g. "999 EUR".
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.amount, m.currency)
}
