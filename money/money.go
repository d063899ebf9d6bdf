// Package money holds currency-scoped decimal amounts.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"carflow/failure"
)

var (
	// ErrInvalidAmount is returned for amounts that are not strictly positive.
	ErrInvalidAmount = failure.New(failure.KindValidation, "money: amount must be positive")
	// ErrInvalidCurrency is returned for a missing or malformed currency code.
	ErrInvalidCurrency = failure.New(failure.KindValidation, "money: invalid currency code")
	// ErrCurrencyMismatch is returned when comparing amounts of different currencies.
	ErrCurrencyMismatch = failure.New(failure.KindValidation, "money: currency mismatch")
	// ErrTooPrecise is returned for amounts finer than the stored scale.
	ErrTooPrecise = failure.New(failure.KindValidation, "money: more than two fractional digits")
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

// Money is an amount in a single ISO-4217 currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// New builds a positive amount from its decimal string form.
func New(amount string, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, ErrInvalidAmount)
	}
	m := Money{Amount: d, Currency: NormalizeCurrency(currency)}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// MustNew is New for constants and tests.
func MustNew(amount string, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCurrency checks code is a normalized three letter code.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

// Validate checks the amount is positive, fits in Scale fractional digits and
// the currency is a three letter code. Trailing zeros beyond the scale are
// accepted.
func (m Money) Validate() error {
	if err := ValidateCurrency(m.Currency); err != nil {
		return err
	}
	if !m.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !m.Amount.Equal(m.Amount.Truncate(Scale)) {
		return fmt.Errorf("%w: %s", ErrTooPrecise, m.Amount.String())
	}
	return nil
}

// Fixed renders the amount at the stored scale. It never rounds a valid
// amount.
func (m Money) Fixed() string {
	return m.Amount.StringFixed(Scale)
}

// GreaterThan reports whether m is strictly larger than other. Both amounts
// must share a currency.
func (m Money) GreaterThan(other Money) (bool, error) {
	if m.Currency != other.Currency {
		return false, ErrCurrencyMismatch
	}
	return m.Amount.GreaterThan(other.Amount), nil
}

// Equal reports whether m and other are the same amount in the same currency.
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}

func (m Money) String() string {
	return m.Fixed() + " " + m.Currency
}
