package fx

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingRate         = errors.New("missing FX rate")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInvalidRate         = errors.New("invalid FX rate")
)

const rateDivisionPrecision = 16

// BaseRates are the two configured rates every other pair is derived from.
type BaseRates struct {
	USDToEUR decimal.Decimal
	USDToGBP decimal.Decimal
}

type currencyPair struct {
	from Currency
	to   Currency
}

type rateTable map[currencyPair]decimal.Decimal

// Converter converts integer cent amounts between supported currencies.
// Readers always see a complete table; Rebuild swaps it atomically.
type Converter struct {
	table atomic.Pointer[rateTable]
}

// NewConverter builds a converter from base rates.
func NewConverter(rates BaseRates) (*Converter, error) {
	converter := &Converter{}
	if err := converter.Rebuild(rates); err != nil {
		return nil, err
	}
	return converter, nil
}

// Rebuild derives the full pair table from base rates and publishes it.
func (converter *Converter) Rebuild(rates BaseRates) error {
	table, err := buildRateTable(rates)
	if err != nil {
		return err
	}
	converter.table.Store(&table)
	return nil
}

var half = decimal.New(5, -1)

// RoundHalfUp rounds value to the nearest integer with ties toward positive
// infinity, so -2.5 becomes -2 and 2.5 becomes 3.
func RoundHalfUp(value decimal.Decimal) int64 {
	return value.Add(half).Floor().IntPart()
}

// ConvertCents converts amountCents from one currency to another, rounding half up to the nearest cent.
func (converter *Converter) ConvertCents(amountCents int64, from Currency, to Currency) (int64, error) {
	if from == to {
		return amountCents, nil
	}
	table := converter.table.Load()
	if table == nil {
		return 0, fmt.Errorf("%w: %s->%s", ErrMissingRate, from, to)
	}
	rate, ok := (*table)[currencyPair{from: from, to: to}]
	if !ok {
		return 0, fmt.Errorf("%w: %s->%s", ErrMissingRate, from, to)
	}
	return RoundHalfUp(decimal.NewFromInt(amountCents).Mul(rate)), nil
}

// Rate returns the derived rate for a pair.
func (converter *Converter) Rate(from Currency, to Currency) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	table := converter.table.Load()
	if table != nil {
		if rate, ok := (*table)[currencyPair{from: from, to: to}]; ok {
			return rate, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s->%s", ErrMissingRate, from, to)
}

func buildRateTable(rates BaseRates) (rateTable, error) {
	if !rates.USDToEUR.IsPositive() {
		return nil, fmt.Errorf("%w: USD->EUR must be positive", ErrInvalidRate)
	}
	if !rates.USDToGBP.IsPositive() {
		return nil, fmt.Errorf("%w: USD->GBP must be positive", ErrInvalidRate)
	}
	one := decimal.NewFromInt(1)
	table := rateTable{
		{from: USD, to: EUR}: rates.USDToEUR,
		{from: USD, to: GBP}: rates.USDToGBP,
		{from: EUR, to: USD}: one.DivRound(rates.USDToEUR, rateDivisionPrecision),
		{from: GBP, to: USD}: one.DivRound(rates.USDToGBP, rateDivisionPrecision),
		{from: EUR, to: GBP}: rates.USDToGBP.DivRound(rates.USDToEUR, rateDivisionPrecision),
		{from: GBP, to: EUR}: rates.USDToEUR.DivRound(rates.USDToGBP, rateDivisionPrecision),
	}
	return table, nil
}
