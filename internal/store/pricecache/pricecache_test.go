package pricecache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type countingPriceStore struct {
	entries []pricing.PriceEntry
	lists   int
}

func (store *countingPriceStore) ListPrices(_ context.Context, provider string, model string, currency fx.Currency) ([]pricing.PriceEntry, error) {
	store.lists++
	var matched []pricing.PriceEntry
	for _, entry := range store.entries {
		if entry.Provider == provider && entry.Model == model && entry.Currency == currency {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}

func (store *countingPriceStore) UpsertPrice(_ context.Context, entry pricing.PriceEntry) error {
	store.entries = append(store.entries, entry)
	return nil
}

func TestCacheKeyIsScopedPerTuple(test *testing.T) {
	test.Parallel()
	require.Equal(test, "tokenwallet:prices:openai:gpt-4o:EUR", cacheKey("openai", "gpt-4o", fx.EUR))
	require.NotEqual(test, cacheKey("openai", "gpt-4o", fx.USD), cacheKey("openai", "gpt-4o", fx.EUR))
}

func TestCacheKeyEscapesSeparators(test *testing.T) {
	test.Parallel()
	require.NotEqual(test, cacheKey("a:b", "c", fx.USD), cacheKey("a", "b:c", fx.USD))
	require.NotEqual(test, cacheKey("a%3Ab", "c", fx.USD), cacheKey("a:b", "c", fx.USD))
	require.Equal(test, "tokenwallet:prices:azure%3Aeu:gpt-4o:USD", cacheKey("azure:eu", "gpt-4o", fx.USD))
}

func TestReadThroughAndInvalidate(test *testing.T) {
	redisURL := os.Getenv("TOKENWALLET_TEST_REDIS_URL")
	if redisURL == "" {
		test.Skip("TOKENWALLET_TEST_REDIS_URL not set")
	}
	client, err := NewClient(redisURL)
	require.NoError(test, err)
	test.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()
	require.NoError(test, client.Ping(ctx).Err())

	model := fmt.Sprintf("model-%d", time.Now().UnixNano())
	test.Cleanup(func() { client.Del(context.Background(), cacheKey("openai", model, fx.USD)) })
	primary := &countingPriceStore{}
	store := New(primary, client, time.Minute, nil)
	effectiveFrom := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(test, store.UpsertPrice(ctx, pricing.PriceEntry{
		Provider:         "openai",
		Model:            model,
		Currency:         fx.USD,
		InputPer1kCents:  decimal.RequireFromString("2.5"),
		OutputPer1kCents: decimal.NewFromInt(10),
		EffectiveFrom:    effectiveFrom,
	}))

	first, err := store.ListPrices(ctx, "openai", model, fx.USD)
	require.NoError(test, err)
	second, err := store.ListPrices(ctx, "openai", model, fx.USD)
	require.NoError(test, err)
	require.Equal(test, 1, primary.lists)
	require.Len(test, second, 1)
	require.True(test, first[0].InputPer1kCents.Equal(second[0].InputPer1kCents))
	require.True(test, second[0].EffectiveFrom.Equal(effectiveFrom))

	require.NoError(test, store.UpsertPrice(ctx, pricing.PriceEntry{
		Provider:         "openai",
		Model:            model,
		Currency:         fx.USD,
		InputPer1kCents:  decimal.NewFromInt(3),
		OutputPer1kCents: decimal.NewFromInt(12),
		EffectiveFrom:    effectiveFrom.AddDate(0, 1, 0),
	}))
	refreshed, err := store.ListPrices(ctx, "openai", model, fx.USD)
	require.NoError(test, err)
	require.Equal(test, 2, primary.lists)
	require.Len(test, refreshed, 2)
}
