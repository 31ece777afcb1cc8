package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CurrencyMismatchError indicates arithmetic between two different currencies.
// It points at a configuration bug, not bad user input, so callers treat it as
// fatal in development and log-and-reject in production.
type CurrencyMismatchError struct {
	Left  string
	Right string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: %s vs %s", e.Left, e.Right)
}

// Money is a fixed-point monetary value in minor units (e.g. cents) paired
// with an ISO 4217 currency code. The zero value is zero units of no currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// New returns a Money value of amount minor units in the given currency.
func New(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Zero returns the zero value in the given currency.
func Zero(currency string) Money {
	return Money{Currency: currency}
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// IsPositive reports whether the amount is strictly positive.
func (m Money) IsPositive() bool {
	return m.Amount > 0
}

func (m Money) sameCurrency(o Money) error {
	// A zero value without a currency is the additive identity for any currency.
	if m.Currency == "" || o.Currency == "" {
		return nil
	}
	if m.Currency != o.Currency {
		return &CurrencyMismatchError{Left: m.Currency, Right: o.Currency}
	}
	return nil
}

func (m Money) currencyOr(o Money) string {
	if m.Currency != "" {
		return m.Currency
	}
	return o.Currency
}

// Add returns m + o. Mixed currencies fail with CurrencyMismatchError.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.currencyOr(o)}, nil
}

// Sub returns m - o. Mixed currencies fail with CurrencyMismatchError.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount - o.Amount, Currency: m.currencyOr(o)}, nil
}

// MulInt returns m scaled by an integer factor. Exact, no rounding.
func (m Money) MulInt(n int64) Money {
	return Money{Amount: m.Amount * n, Currency: m.Currency}
}

// MulDecimal returns m scaled by an arbitrary decimal factor, rounded to the
// nearest minor unit half-up. Callers accumulate exact sums and scale once at
// the final boundary so rounding drift cannot compound.
func (m Money) MulDecimal(f decimal.Decimal) Money {
	scaled := decimal.NewFromInt(m.Amount).Mul(f).Round(0)
	return Money{Amount: scaled.IntPart(), Currency: m.Currency}
}

// Cmp compares m against o: -1 if m < o, 0 if equal, 1 if m > o.
// Mixed currencies fail with CurrencyMismatchError.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	switch {
	case m.Amount < o.Amount:
		return -1, nil
	case m.Amount > o.Amount:
		return 1, nil
	}
	return 0, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}
