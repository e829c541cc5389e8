// Package money provides shared amount parsing and formatting utilities.
//
// Deal amounts are USD with 2 decimal places. All amounts are carried as
// int64 cents (1 USD = 100 cents), which is also the unit the payment
// gateway charges in.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "100.50") to cents (10050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
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

	cents, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return cents, true
}

// Format converts cents to a decimal string with exactly 2 decimal
// places (e.g. 10050 -> "100.50").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents, 10)
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

// SplitEqual divides total cents into n parts: each part gets the floor
// share and the remainder goes to the last part so the sum is exact.
func SplitEqual(total int64, n int) []int64 {
	if n <= 0 {
		return nil
	}
	base := total / int64(n)
	parts := make([]int64, n)
	for i := range parts {
		parts[i] = base
	}
	parts[n-1] += total - base*int64(n)
	return parts
}

// SplitWeighted divides total cents by the given weights. Each part gets
// the floor of its proportional share; the remainder goes to the last
// part so the sum is exact. Weights must be positive.
func SplitWeighted(total int64, weights []float64) []int64 {
	if len(weights) == 0 {
		return nil
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	parts := make([]int64, len(weights))
	var allocated int64
	for i, w := range weights {
		parts[i] = int64(float64(total) * w / sum)
		allocated += parts[i]
	}
	parts[len(parts)-1] += total - allocated
	return parts
}
