package qbo

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	NumberingNumeric  = "numeric"
	NumberingPrefixed = "prefixed"
	NumberingCustom   = "custom"
)

// NumberingSettings describes how a company numbers its invoices.
type NumberingSettings struct {
	Pattern string `json:"pattern"`
	Prefix  string `json:"prefix,omitempty"`
	Width   int    `json:"width,omitempty"`
	Sample  string `json:"sample,omitempty"`
}

func DefaultNumbering() NumberingSettings {
	return NumberingSettings{Pattern: NumberingNumeric}
}

// DetectNumbering infers the dominant numbering pattern from recent DocNumbers.
func DetectNumbering(numbers []string) NumberingSettings {
	type bucket struct {
		count  int
		prefix string
		width  int
		sample string
	}
	buckets := map[string]*bucket{}
	best := ""
	for _, n := range numbers {
		prefix, _, width, ok := splitDocNumber(n)
		key := NumberingCustom
		switch {
		case ok && prefix == "":
			key = NumberingNumeric
		case ok:
			key = NumberingPrefixed + ":" + prefix
		}
		b := buckets[key]
		if b == nil {
			b = &bucket{prefix: prefix, width: width, sample: strings.TrimSpace(n)}
			buckets[key] = b
		}
		b.count++
		if width > b.width {
			b.width = width
		}
		if best == "" || b.count > buckets[best].count {
			best = key
		}
	}
	if best == "" {
		return DefaultNumbering()
	}

	b := buckets[best]
	settings := NumberingSettings{Sample: b.sample}
	switch {
	case best == NumberingNumeric:
		settings.Pattern = NumberingNumeric
		if strings.HasPrefix(b.sample, "0") {
			settings.Width = b.width
		}
	case best == NumberingCustom:
		settings.Pattern = NumberingCustom
	default:
		settings.Pattern = NumberingPrefixed
		settings.Prefix = b.prefix
		settings.Width = b.width
	}
	return settings
}

// NextDocNumber returns the number following the higher of lastUsed and
// current, keeping the prefix and zero padding. The result is always
// different from current. Digit runs are arbitrary precision, so the
// increment never wraps.
func NextDocNumber(lastUsed, current string) string {
	lp, ln, lw, lok := splitDocNumber(lastUsed)
	cp, cn, cw, cok := splitDocNumber(current)

	var (
		prefix string
		next   decimal.Decimal
		width  int
	)
	switch {
	case lok && cok && lp == cp:
		prefix, next, width = lp, decimal.Max(ln, cn).Add(one), max(lw, cw)
	case lok:
		prefix, next, width = lp, ln.Add(one), lw
	case cok:
		prefix, next, width = cp, cn.Add(one), cw
	default:
		current = strings.TrimSpace(current)
		if current == "" {
			return "1"
		}
		return current + "-1"
	}
	candidate := formatDocNumber(prefix, next, width)
	if candidate == strings.TrimSpace(current) {
		candidate = formatDocNumber(prefix, next.Add(one), width)
	}
	return candidate
}

// HighestDocNumber picks the number with the largest numeric suffix.
func HighestDocNumber(numbers []string) string {
	best := ""
	var bestN decimal.Decimal
	for _, n := range numbers {
		_, value, _, ok := splitDocNumber(n)
		if !ok {
			if best == "" {
				best = strings.TrimSpace(n)
			}
			continue
		}
		if _, _, _, bestOK := splitDocNumber(best); !bestOK || value.GreaterThan(bestN) {
			best, bestN = strings.TrimSpace(n), value
		}
	}
	return best
}

var one = decimal.NewFromInt(1)

func formatDocNumber(prefix string, n decimal.Decimal, width int) string {
	digits := n.String()
	if pad := width - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	return prefix + digits
}

// splitDocNumber splits "INV-00042" into ("INV-", 42, 5, true).
func splitDocNumber(docNumber string) (string, decimal.Decimal, int, bool) {
	docNumber = strings.TrimSpace(docNumber)
	i := len(docNumber)
	for i > 0 && docNumber[i-1] >= '0' && docNumber[i-1] <= '9' {
		i--
	}
	digits := docNumber[i:]
	if digits == "" {
		return docNumber, decimal.Zero, 0, false
	}
	value, err := decimal.NewFromString(digits)
	if err != nil {
		return docNumber, decimal.Zero, 0, false
	}
	return docNumber[:i], value, len(digits), true
}
