package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var suffixScale = map[byte]decimal.Decimal{
	'k': decimal.NewFromInt(1_000),
	'm': decimal.NewFromInt(1_000_000),
	'b': decimal.NewFromInt(1_000_000_000),
	't': decimal.NewFromInt(1_000_000_000_000),
}

// ParseAmount converts a scraped dollar figure like "$1.2b", "340.5m" or
// "1,234.56" into a decimal. The b/m/k/t suffix scales the value.
func ParseAmount(s string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(s, "$", ""), ",", ""))
	if clean == "" {
		return decimal.Zero, fmt.Errorf("parse amount: empty value")
	}

	scale := decimal.NewFromInt(1)
	last := clean[len(clean)-1] | 0x20 // lowercase ASCII
	if mult, ok := suffixScale[last]; ok {
		scale = mult
		clean = strings.TrimSpace(clean[:len(clean)-1])
	}

	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d.Mul(scale), nil
}
