// Package ticker handles instrument symbol normalization and validation.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange-style symbols: a leading letter followed by
// up to nine letters, digits or dots. Example: AAPL, BRK.B
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

var ErrInvalidTicker = errors.New("ticker: invalid symbol")

// Normalize trims and upper-cases a user-supplied symbol and validates the
// result.
func Normalize(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTicker, raw)
	}
	return sym, nil
}
