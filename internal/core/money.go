// Package core provides money parsing and handling utilities.
//
// Amounts are shopspring decimals so that sums over the ledger are exact;
// float64 is only used at the analytics boundary.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string to a non-negative amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators.
// Returns ErrInvalidAmount for non-numeric input and ErrNegativeAmount
// for values below zero.
//
// Examples:
//
//	ParseAmount("12.34") -> 12.34, nil
//	ParseAmount("12,34") -> 12.34, nil
//	ParseAmount("0")     -> 0, nil
//	ParseAmount("-1")    -> 0, ErrNegativeAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, invalid("amount", ErrInvalidAmount)
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, invalid("amount", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalid("amount", ErrInvalidAmount)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, invalid("amount", err)
	}
	return d, nil
}

// Float converts an amount to float64 for the numeric models.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
