package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
)

// PriceLookup resolves active prices.
type PriceLookup interface {
	GetActivePrice(ctx context.Context, provider string, model string, currency fx.Currency, at time.Time) (ActivePrice, error)
}

// CurrencyConverter converts minor-unit amounts between currencies.
type CurrencyConverter interface {
	ConvertCents(amountCents int64, from fx.Currency, to fx.Currency) (int64, error)
}

// QuoteRequest describes a priced token pair.
type QuoteRequest struct {
	Provider  string
	Model     string
	Currency  fx.Currency
	At        time.Time
	TokensIn  int64
	TokensOut int64
}

// Quote is the cost of a token pair in the requested currency.
type Quote struct {
	CostCents int64
	Currency  fx.Currency
	Price     ActivePrice
}

// Quoter combines price resolution, cost calculation and FX conversion.
type Quoter struct {
	prices    PriceLookup
	converter CurrencyConverter
}

// NewQuoter wires a Quoter.
func NewQuoter(prices PriceLookup, converter CurrencyConverter) (*Quoter, error) {
	if prices == nil {
		return nil, fmt.Errorf("%w: price lookup is nil", ErrInvalidPriceEntry)
	}
	if converter == nil {
		return nil, fmt.Errorf("%w: currency converter is nil", ErrInvalidPriceEntry)
	}
	return &Quoter{prices: prices, converter: converter}, nil
}

// Quote prices the request. A fallback price is computed in its own currency
// and then converted into the requested one.
func (quoter *Quoter) Quote(ctx context.Context, request QuoteRequest) (Quote, error) {
	price, err := quoter.prices.GetActivePrice(ctx, request.Provider, request.Model, request.Currency, request.At)
	if err != nil {
		return Quote{}, err
	}
	costCents := CostFor(request.TokensIn, request.TokensOut, price)
	if price.NeedsFx {
		costCents, err = quoter.converter.ConvertCents(costCents, price.Currency, request.Currency)
		if err != nil {
			return Quote{}, fmt.Errorf("convert %s to %s: %w", price.Currency, request.Currency, err)
		}
	}
	return Quote{CostCents: costCents, Currency: request.Currency, Price: price}, nil
}
