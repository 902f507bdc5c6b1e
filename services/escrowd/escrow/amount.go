package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the precision of the settlement stablecoin.
const Decimals = 6

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// ParseAmount converts a human decimal such as "33.33" into smallest token
// units. Parsing is exact; more than Decimals fractional digits, a sign, an
// exponent or a non-positive value is rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount is required", ErrValidation)
	}
	whole, frac, hasDot := strings.Cut(trimmed, ".")
	if hasDot && frac == "" {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrValidation, raw)
	}
	if whole == "" {
		whole = "0"
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrValidation, raw)
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrValidation, raw, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: malformed amount %q", ErrValidation, raw)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	return value, nil
}

// FormatAmount renders smallest units as a decimal without trailing zeros.
func FormatAmount(units *big.Int) string {
	if units == nil {
		return "0"
	}
	q, r := new(big.Int).QuoRem(units, unit, new(big.Int))
	if r.Sign() == 0 {
		return q.String()
	}
	digits := new(big.Int).Abs(r).String()
	frac := strings.Repeat("0", Decimals-len(digits)) + digits
	return q.String() + "." + strings.TrimRight(frac, "0")
}

// FormatStored renders a ledger amount string for display.
func FormatStored(raw string) (string, error) {
	value, err := parseStored(raw)
	if err != nil {
		return "", err
	}
	return FormatAmount(value), nil
}

func parseStored(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: corrupt stored amount %q", raw)
	}
	return value, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
