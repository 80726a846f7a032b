// Package money provides shared fixed-point amount parsing and formatting.
//
// All monetary values and point balances use 2 decimal places and are
// handled as big.Int in the smallest unit (1 yuan = 100 fen). Amounts
// travel as decimal strings ("1000.00") and never as floats.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "150.50") to its smallest-unit
// big.Int representation (15050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - A single leading '-' is allowed (signed ledger deltas)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
		if s == "" {
			return nil, false
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "150.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Neg returns the formatted negation of a decimal string. Invalid input
// yields "0.00".
func Neg(s string) string {
	v, ok := Parse(s)
	if !ok {
		return "0.00"
	}
	return Format(v.Neg(v))
}

// ToFen converts a decimal string to an integer fen amount for the
// payment gateway wire format. Returns (0, false) on invalid input.
func ToFen(s string) (int64, bool) {
	v, ok := Parse(s)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}

// FromFen converts a gateway fen amount to a decimal string.
func FromFen(fen int64) string {
	return Format(big.NewInt(fen))
}

// MulRate multiplies an amount by a rate expressed in basis points
// (1500 = 15%), truncating toward zero at 2 decimals.
func MulRate(s string, bps int64) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	v.Mul(v, big.NewInt(bps))
	v.Quo(v, big.NewInt(10000))
	return Format(v), true
}
