package scraper

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SanitizePrice turns a scraped price into a decimal.
// Numbers pass through. Strings keep only digits and separators; every comma is read
// as a dot, and when more than one dot remains the last group is the decimal part.
// Empty, zero and unparsable input yields an invalid NullDecimal.
func SanitizePrice(raw any) decimal.NullDecimal {
	switch v := raw.(type) {
	case nil:
		return decimal.NullDecimal{}
	case decimal.Decimal:
		return decimal.NewNullDecimal(v)
	case float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(v))
	case float32:
		return decimal.NewNullDecimal(decimal.NewFromFloat32(v))
	case int:
		return decimal.NewNullDecimal(decimal.NewFromInt(int64(v)))
	case int64:
		return decimal.NewNullDecimal(decimal.NewFromInt(v))
	case string:
		return sanitizeString(v)
	default:
		return decimal.NullDecimal{}
	}
}

func sanitizeString(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == ',':
			b.WriteRune('.')
		}
	}

	cleaned := b.String()
	parts := strings.Split(cleaned, ".")
	if len(parts) > 2 {
		last := parts[len(parts)-1]
		cleaned = strings.Join(parts[:len(parts)-1], "") + "." + last
	}

	cleaned = strings.TrimSuffix(cleaned, ".")
	if strings.HasPrefix(cleaned, ".") {
		cleaned = "0" + cleaned
	}
	if cleaned == "" || cleaned == "0" {
		return decimal.NullDecimal{}
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil || d.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
