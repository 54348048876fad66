package ussd

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Segments splits the accumulated gateway text into the caller's answers.
// An empty text means the session just started.
func Segments(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "*")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// QuickPayCode extracts the vehicle code from a dialled string such as
// *384*00011#. The bare service code yields "".
func QuickPayCode(serviceCode string) string {
	code := strings.TrimSpace(serviceCode)
	code = strings.TrimSuffix(strings.TrimPrefix(code, "*"), "#")
	parts := strings.Split(code, "*")
	if len(parts) < 2 {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(parts[1]))
}

// parseAmount accepts whole shillings inside [min, max].
func parseAmount(input string, min, max decimal.Decimal) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(input)
	if err != nil || !amount.Equal(amount.Truncate(0)) {
		return decimal.Decimal{}, false
	}
	if amount.LessThan(min) || amount.GreaterThan(max) {
		return decimal.Decimal{}, false
	}
	return amount, true
}
