package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseDecimal parses a decimal amount string into base units as a big.Int.
// For example, ParseDecimal("1.5", 18) returns 1500000000000000000.
// Amounts are always carried as decimal strings and big.Ints; floating-point
// types are never used for money.
func ParseDecimal(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount: %s", s)
	}

	wholeStr := s
	fracStr := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholeStr = s[:i]
		fracStr = s[i+1:]
		if strings.IndexByte(fracStr, '.') >= 0 {
			return nil, fmt.Errorf("invalid amount: %s", s)
		}
	}
	if wholeStr == "" {
		wholeStr = "0"
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(fracStr) > int(decimals) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", s, decimals)
	}
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}

	amount, ok := new(big.Int).SetString(wholeStr+fracStr, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	return amount, nil
}

// FormatDecimal formats base units as a decimal string.
// For example, FormatDecimal(1500000000000000000, 18) returns "1.5".
func FormatDecimal(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.QuoRem(amount, divisor, frac)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}
