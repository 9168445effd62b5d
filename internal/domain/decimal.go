package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimal is the exact base-10 number used for every price and size. Values
// are converted once at the wire boundary and never pass through float64.
type Decimal = decimal.Decimal

var (
	Zero    = decimal.Zero
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Parsed values are limited to MaxIntegerDigits digits before the point and
// MaxFractionDigits after it.
const (
	MaxIntegerDigits  = 24
	MaxFractionDigits = 24
)

// ParseDecimal converts a wire string into a Decimal. Values outside the digit
// limits are rejected with ErrValidation.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("%w: empty number", ErrValidation)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: parse %q: %v", ErrValidation, s, err)
	}
	if exp := d.Exponent(); exp < -MaxFractionDigits || int64(d.NumDigits())+int64(exp) > MaxIntegerDigits {
		return Zero, fmt.Errorf("%w: %q is out of range", ErrValidation, truncate(s, 32))
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// MustDecimal parses s and panics on failure. Intended for constants and tests.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Percent returns part / whole * 100, or zero when whole is zero.
func Percent(part, whole Decimal) Decimal {
	if whole.IsZero() {
		return Zero
	}
	return part.Div(whole).Mul(hundred)
}

// Mid returns the arithmetic mean of a and b.
func Mid(a, b Decimal) Decimal {
	return a.Add(b).Div(two)
}

// SumSizes adds sizes exactly.
func SumSizes(sizes ...Decimal) Decimal {
	return decimal.Sum(Zero, sizes...)
}
