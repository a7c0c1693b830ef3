package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
)

// Resolver finds the active price for a provider/model in a currency,
// falling back to the default currency when no local price exists.
type Resolver struct {
	store           Store
	defaultCurrency fx.Currency
}

// NewResolver wires a Resolver over a price store.
func NewResolver(store Store, defaultCurrency fx.Currency) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: price store is nil", ErrInvalidPriceEntry)
	}
	if _, err := fx.ParseCurrency(defaultCurrency.String()); err != nil {
		return nil, err
	}
	return &Resolver{store: store, defaultCurrency: defaultCurrency}, nil
}

// DefaultCurrency returns the fallback currency.
func (resolver *Resolver) DefaultCurrency() fx.Currency {
	return resolver.defaultCurrency
}

// GetActivePrice resolves the price in effect at the given instant.
func (resolver *Resolver) GetActivePrice(ctx context.Context, provider string, model string, currency fx.Currency, at time.Time) (ActivePrice, error) {
	entry, found, err := resolver.lookup(ctx, provider, model, currency, at)
	if err != nil {
		return ActivePrice{}, err
	}
	if found {
		return toActivePrice(entry, false), nil
	}
	if currency != resolver.defaultCurrency {
		entry, found, err = resolver.lookup(ctx, provider, model, resolver.defaultCurrency, at)
		if err != nil {
			return ActivePrice{}, err
		}
		if found {
			return toActivePrice(entry, true), nil
		}
	}
	return ActivePrice{}, fmt.Errorf("%w: provider=%s model=%s currency=%s at=%s", ErrNoPriceConfigured, provider, model, currency, at.UTC().Format(time.RFC3339))
}

func (resolver *Resolver) lookup(ctx context.Context, provider string, model string, currency fx.Currency, at time.Time) (PriceEntry, bool, error) {
	entries, err := resolver.store.ListPrices(ctx, provider, model, currency)
	if err != nil {
		return PriceEntry{}, false, fmt.Errorf("list prices: %w", err)
	}
	entry, found := SelectActive(entries, at)
	return entry, found, nil
}

func toActivePrice(entry PriceEntry, needsFx bool) ActivePrice {
	return ActivePrice{
		Provider:         entry.Provider,
		Model:            entry.Model,
		InputPer1kCents:  entry.InputPer1kCents,
		OutputPer1kCents: entry.OutputPer1kCents,
		Currency:         entry.Currency,
		NeedsFx:          needsFx,
		EffectiveFrom:    entry.EffectiveFrom,
	}
}
