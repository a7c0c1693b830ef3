package pricing

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// priceListFile is the YAML layout accepted by ParsePriceList:
//
//	prices:
//	  - provider: openai
//	    model: gpt-4o
//	    currency: USD
//	    input_per_1k_cents: "0.25"
//	    output_per_1k_cents: "1.0"
//	    effective_from: 2024-05-01T00:00:00Z
type priceListFile struct {
	Prices []priceListItem `yaml:"prices"`
}

type priceListItem struct {
	Provider         string     `yaml:"provider"`
	Model            string     `yaml:"model"`
	Currency         string     `yaml:"currency"`
	InputPer1kCents  string     `yaml:"input_per_1k_cents"`
	OutputPer1kCents string     `yaml:"output_per_1k_cents"`
	EffectiveFrom    time.Time  `yaml:"effective_from"`
	EffectiveTo      *time.Time `yaml:"effective_to"`
}

// ParsePriceList decodes and validates a YAML price list.
func ParsePriceList(reader io.Reader) ([]PriceEntry, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read price list: %w", err)
	}
	var file priceListFile
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse price list: %w", err)
	}
	entries := make([]PriceEntry, 0, len(file.Prices))
	for index, item := range file.Prices {
		entry, err := item.toEntry()
		if err != nil {
			return nil, fmt.Errorf("price %d: %w", index, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (item priceListItem) toEntry() (PriceEntry, error) {
	currency, err := fx.ParseCurrency(item.Currency)
	if err != nil {
		return PriceEntry{}, err
	}
	inputPrice, err := decimal.NewFromString(item.InputPer1kCents)
	if err != nil {
		return PriceEntry{}, fmt.Errorf("%w: input_per_1k_cents: %v", ErrInvalidPriceEntry, err)
	}
	outputPrice, err := decimal.NewFromString(item.OutputPer1kCents)
	if err != nil {
		return PriceEntry{}, fmt.Errorf("%w: output_per_1k_cents: %v", ErrInvalidPriceEntry, err)
	}
	entry := PriceEntry{
		Provider:         item.Provider,
		Model:            item.Model,
		Currency:         currency,
		InputPer1kCents:  inputPrice,
		OutputPer1kCents: outputPrice,
		EffectiveFrom:    item.EffectiveFrom.UTC(),
	}
	if item.EffectiveTo != nil {
		effectiveTo := item.EffectiveTo.UTC()
		entry.EffectiveTo = &effectiveTo
	}
	if err := entry.Validate(); err != nil {
		return PriceEntry{}, err
	}
	return entry, nil
}
