package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPriceConfigured = errors.New("no price configured")
	ErrInvalidPriceEntry = errors.New("invalid price entry")
)

// PriceEntry is one pricing period for a (provider, model, currency) tuple.
// EffectiveTo is exclusive; a nil EffectiveTo means open-ended.
type PriceEntry struct {
	Provider         string
	Model            string
	Currency         fx.Currency
	InputPer1kCents  decimal.Decimal
	OutputPer1kCents decimal.Decimal
	EffectiveFrom    time.Time
	EffectiveTo      *time.Time
}

// ActivePrice is the resolver's answer. NeedsFx is set when the price is
// quoted in the default currency instead of the requested one.
type ActivePrice struct {
	Provider         string
	Model            string
	InputPer1kCents  decimal.Decimal
	OutputPer1kCents decimal.Decimal
	Currency         fx.Currency
	NeedsFx          bool
	EffectiveFrom    time.Time
}

// Store reads and writes price periods.
type Store interface {
	ListPrices(ctx context.Context, provider string, model string, currency fx.Currency) ([]PriceEntry, error)
	UpsertPrice(ctx context.Context, entry PriceEntry) error
}

// Validate checks a price entry before it is persisted.
func (entry PriceEntry) Validate() error {
	if strings.TrimSpace(entry.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidPriceEntry)
	}
	if strings.TrimSpace(entry.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidPriceEntry)
	}
	if _, err := fx.ParseCurrency(entry.Currency.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPriceEntry, err)
	}
	if entry.InputPer1kCents.IsNegative() || entry.OutputPer1kCents.IsNegative() {
		return fmt.Errorf("%w: prices must not be negative", ErrInvalidPriceEntry)
	}
	if entry.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: effective_from is required", ErrInvalidPriceEntry)
	}
	if entry.EffectiveTo != nil && !entry.EffectiveTo.After(entry.EffectiveFrom) {
		return fmt.Errorf("%w: effective_to must be after effective_from", ErrInvalidPriceEntry)
	}
	return nil
}

// ActiveAt reports whether the entry's window contains at.
func (entry PriceEntry) ActiveAt(at time.Time) bool {
	if entry.EffectiveFrom.After(at) {
		return false
	}
	return entry.EffectiveTo == nil || entry.EffectiveTo.After(at)
}

// SelectActive picks the active entry for at, preferring the latest EffectiveFrom.
func SelectActive(entries []PriceEntry, at time.Time) (PriceEntry, bool) {
	var (
		selected PriceEntry
		found    bool
	)
	for _, entry := range entries {
		if !entry.ActiveAt(at) {
			continue
		}
		if !found || entry.EffectiveFrom.After(selected.EffectiveFrom) {
			selected = entry
			found = true
		}
	}
	return selected, found
}
