package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"gorm.io/gorm/clause"
)

// ListPrices returns every pricing period for a provider/model/currency.
func (store *Store) ListPrices(ctx context.Context, provider string, model string, currency fx.Currency) ([]pricing.PriceEntry, error) {
	var rows []PriceEntry
	err := store.db.WithContext(ctx).
		Where("provider = ? AND model = ? AND currency = ?", provider, model, currency.String()).
		Order("effective_from DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPrice, errorCodeList, err)
	}
	entries := make([]pricing.PriceEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapPriceEntry(row))
	}
	return entries, nil
}

// UpsertPrice inserts a pricing period or replaces the one starting at the same instant.
func (store *Store) UpsertPrice(ctx context.Context, entry pricing.PriceEntry) error {
	if err := entry.Validate(); err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeInvalid, err)
	}
	row := PriceEntry{
		Provider:         entry.Provider,
		Model:            entry.Model,
		Currency:         entry.Currency.String(),
		EffectiveFrom:    entry.EffectiveFrom.UTC(),
		EffectiveTo:      utcPointer(entry.EffectiveTo),
		InputPer1kCents:  entry.InputPer1kCents,
		OutputPer1kCents: entry.OutputPer1kCents,
		CreatedAt:        store.now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "model"}, {Name: "currency"}, {Name: "effective_from"}},
			DoUpdates: clause.AssignmentColumns([]string{"effective_to", "input_per_1k_cents", "output_per_1k_cents"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectPrice, errorCodeUpsert, err)
	}
	return nil
}

func mapPriceEntry(row PriceEntry) pricing.PriceEntry {
	return pricing.PriceEntry{
		Provider:         row.Provider,
		Model:            row.Model,
		Currency:         fx.Currency(row.Currency),
		InputPer1kCents:  row.InputPer1kCents,
		OutputPer1kCents: row.OutputPer1kCents,
		EffectiveFrom:    row.EffectiveFrom.UTC(),
		EffectiveTo:      utcPointer(row.EffectiveTo),
	}
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
