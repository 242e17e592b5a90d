// Package money provides fixed-point amount handling for payment flows.
// Amounts are backed by decimal arithmetic and stored with four
// fractional digits; binary floats never enter the pipeline.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StoragePlaces is the number of fractional digits persisted on a
// payment record.
const StoragePlaces = 4

// DefaultCurrency is used when a caller supplies no currency option.
const DefaultCurrency = "USD"

// Zero is the zero amount.
var Zero = decimal.Zero

// FromString parses a decimal amount such as "50.00".
func FromString(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return d, nil
}

// RequirePositive rejects zero and negative amounts.
func RequirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("money: amount must be greater than zero, got %s", amount.String())
	}
	return nil
}

// NormalizeCurrency upper-cases and validates a three-letter ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return DefaultCurrency, nil
	}
	if len(code) != 3 {
		return "", fmt.Errorf("money: invalid currency code %q", code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("money: invalid currency code %q", code)
		}
	}
	return code, nil
}

// ToMinorUnits converts an amount to integer minor units (cents) for
// providers that refuse decimal points.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FormatMajor renders an amount with exactly two fractional digits, the
// wire format used by redirect-based processors.
func FormatMajor(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// ForStorage rounds an amount to the persisted precision.
func ForStorage(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(StoragePlaces)
}
