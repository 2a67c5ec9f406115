// Package money provides fixed-point amount parsing, formatting and arithmetic.
//
// Amounts carry 6 decimal places and are held as big.Int in the smallest
// unit (1.000000 = 1,000,000 units). Stored and wire amounts are decimal
// strings normalised by Format.
package money

import (
	"fmt"
	"math/big"
	"strings"
)

const Decimals = 6

var unitsPerWhole = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 6 fractional digits are rejected
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
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
		if frac == "" {
			return nil, false
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, false
	}
	for _, c := range whole + frac {
		if c < '0' || c > '9' {
			return nil, false
		}
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	return new(big.Int).SetString(whole+frac, 10)
}

// MustParse is Parse for trusted literals; it panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("money: invalid amount %q", s))
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize re-formats a decimal string into canonical 6-place form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// Units parses a stored amount, treating unparseable values as zero.
// Stored amounts are always written through Format, so this only guards
// against hand-edited rows.
func Units(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

// Sum adds stored decimal amounts.
func Sum(amounts ...string) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, Units(a))
	}
	return total
}

// Add returns a+b formatted.
func Add(a, b string) string {
	return Format(new(big.Int).Add(Units(a), Units(b)))
}

// Sub returns a-b formatted. The result may be negative.
func Sub(a, b string) string {
	return Format(new(big.Int).Sub(Units(a), Units(b)))
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// IsZero reports whether a stored amount is zero.
func IsZero(s string) bool {
	return Units(s).Sign() == 0
}

// ToMinor converts an amount to a currency's minor unit with the given
// exponent (2 for cents). The conversion must be exact.
func ToMinor(amount *big.Int, exponent int) (int64, error) {
	if exponent < 0 || exponent > Decimals {
		return 0, fmt.Errorf("money: unsupported exponent %d", exponent)
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-exponent)), nil)
	q, r := new(big.Int).QuoRem(amount, div, new(big.Int))
	if r.Sign() != 0 {
		return 0, fmt.Errorf("money: %s is not representable with %d decimals", Format(amount), exponent)
	}
	if !q.IsInt64() {
		return 0, fmt.Errorf("money: %s overflows int64", Format(amount))
	}
	return q.Int64(), nil
}

// Rat returns a stored amount as a rational number of whole units.
func Rat(s string) *big.Rat {
	return new(big.Rat).SetFrac(Units(s), unitsPerWhole)
}
