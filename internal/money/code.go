package money

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/punchamoorthee/fxledger/internal/domain"
)

const maxCodeLen = 12

// NormalizeCode trims and upper-cases a currency code. Codes are 1 to 12
// letters or digits; non-Latin letters are allowed for local cash codes.
func NormalizeCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || utf8.RuneCountInString(c) > maxCodeLen {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidCurrency, code)
	}
	for _, r := range c {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return "", fmt.Errorf("%w: %q", domain.ErrInvalidCurrency, code)
		}
	}
	return c, nil
}
