package cli

import (
	"fmt"
	"strings"
)

// FormatUSD formats an amount as a dollar figure with thousands separators
// and exactly two decimal places.
func FormatUSD(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")
	intPart := groupThousands(parts[0])

	result := "$" + intPart + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var groups []string
	for n > 3 {
		groups = append([]string{s[n-3:]}, groups...)
		s = s[:n-3]
		n = len(s)
	}
	return s + "," + strings.Join(groups, ",")
}

// FormatQty renders a signed quantity with an explicit sign for nonzero
// values, matching how position rows are displayed.
func FormatQty(qty int) string {
	if qty > 0 {
		return fmt.Sprintf("+%d", qty)
	}
	return fmt.Sprintf("%d", qty)
}
