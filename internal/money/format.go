package money

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Format renders d rounded to currency precision with digit grouping, e.g. 1,234.50.
func Format(d decimal.Decimal) string {
	fixed := Round(d).StringFixed(Places)
	neg := strings.HasPrefix(fixed, "-")
	digits := strings.TrimPrefix(fixed, "-")
	whole, frac, _ := strings.Cut(digits, ".")
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return fixed
	}
	out := printer.Sprintf("%d", n)
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
