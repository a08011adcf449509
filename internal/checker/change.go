package checker

import (
	"strings"

	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/internal/models"
)

var hundred = decimal.NewFromInt(100)

// PriceChange is the difference between two observations of the same competitor.
type PriceChange struct {
	Amount  decimal.Decimal
	Percent decimal.Decimal
}

// Direction is "drop" or "increase", or "" for no change.
func (c *PriceChange) Direction() string {
	if c == nil {
		return ""
	}
	switch c.Amount.Sign() {
	case -1:
		return "drop"
	case 1:
		return "increase"
	}
	return ""
}

// CalculatePriceChange compares current against previous. It returns nil when there is no usable
// previous price. Amount keeps the precision of its inputs; Percent is rounded to 2 decimals.
func CalculatePriceChange(current decimal.Decimal, previous decimal.NullDecimal) *PriceChange {
	if !previous.Valid || previous.Decimal.IsZero() {
		return nil
	}
	diff := current.Sub(previous.Decimal)
	return &PriceChange{
		Amount:  diff,
		Percent: diff.Div(previous.Decimal).Mul(hundred).Round(2),
	}
}

// minorUnits lists ISO 4217 currencies whose minor unit is not a hundredth.
var minorUnits = map[string]int32{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"CLP": 0, "ISK": 0, "JPY": 0, "KRW": 0, "PYG": 0, "UGX": 0, "VND": 0,
}

// CurrencyPlaces is the number of decimals a price in currency carries. Unknown codes use 2.
func CurrencyPlaces(currency string) int32 {
	if places, ok := minorUnits[strings.ToUpper(currency)]; ok {
		return places
	}
	return 2
}

// RoundPrice rounds price to the minor unit of currency.
func RoundPrice(price decimal.Decimal, currency string) decimal.Decimal {
	return price.Round(CurrencyPlaces(currency))
}

// FormatPrice renders price with the decimals of currency.
func FormatPrice(price decimal.Decimal, currency string) string {
	return price.StringFixed(CurrencyPlaces(currency))
}

var (
	alertBand   = decimal.NewFromInt(10)
	warningBand = decimal.NewFromInt(5)
)

// SeverityFor bands a change by the magnitude of its percentage.
func SeverityFor(percent decimal.Decimal) models.Severity {
	abs := percent.Abs()
	switch {
	case abs.GreaterThan(alertBand):
		return models.SeverityAlert
	case abs.GreaterThan(warningBand):
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
