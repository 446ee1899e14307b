// Package money provides shared fixed-point decimal parsing and
// formatting utilities for currency-scaled amounts.
//
// Amounts use 6 decimal places (matching USDC and similar stablecoins).
// All arithmetic happens on big.Int in the smallest unit (1.00 = 1,000,000
// units) so summation never touches floating point.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
//
// The result is already the minor-unit integer used for on-chain transfer
// encoding — no separate conversion step is needed downstream.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
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

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
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

// Sum adds a set of decimal-string amounts and returns the total in
// smallest units; pass it to Format for the decimal string.
// Returns (nil, false) if any amount fails to parse — summation is exact
// fixed-point integer addition, never floating point.
func Sum(amounts []string) (*big.Int, bool) {
	total := big.NewInt(0)
	for _, a := range amounts {
		v, ok := Parse(a)
		if !ok {
			return nil, false
		}
		total.Add(total, v)
	}
	return total, true
}
