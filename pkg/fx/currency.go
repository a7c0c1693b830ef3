package fx

import (
	"fmt"
	"strings"
)

// Currency is an ISO-4217 code from the supported set.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// SupportedCurrencies lists every currency the converter builds rates for.
var SupportedCurrencies = []Currency{USD, EUR, GBP}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(raw string) (Currency, error) {
	normalized := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	for _, supported := range SupportedCurrencies {
		if normalized == supported {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, raw)
}

// String returns the currency code.
func (currency Currency) String() string {
	return string(currency)
}
