// Package pricecache puts a Redis read-through cache in front of a price store.
package pricecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "tokenwallet:prices:"
	defaultTTL = 5 * time.Minute
)

// Store caches price periods per (provider, model, currency). Writes go to the
// primary store and invalidate the cached key; cache errors fall back to the primary.
type Store struct {
	primary pricing.Store
	rdb     redis.Cmdable
	ttl     time.Duration
	logger  *zap.Logger
}

// New wraps primary. A non-positive ttl uses five minutes.
func New(primary pricing.Store, rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{primary: primary, rdb: rdb, ttl: ttl, logger: logger.With(zap.String("component", "pricecache"))}
}

// NewClient parses a redis:// URL and returns a client.
func NewClient(redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

// ListPrices reads through the cache.
func (store *Store) ListPrices(ctx context.Context, provider string, model string, currency fx.Currency) ([]pricing.PriceEntry, error) {
	key := cacheKey(provider, model, currency)
	data, err := store.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var entries []pricing.PriceEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		store.logger.Warn("price cache read failed", zap.String("key", key), zap.Error(err))
	}

	entries, err := store.primary.ListPrices(ctx, provider, model, currency)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(entries); err == nil {
		if err := store.rdb.Set(ctx, key, data, store.ttl).Err(); err != nil {
			store.logger.Warn("price cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return entries, nil
}

// UpsertPrice writes to the primary store and drops the cached periods.
func (store *Store) UpsertPrice(ctx context.Context, entry pricing.PriceEntry) error {
	if err := store.primary.UpsertPrice(ctx, entry); err != nil {
		return err
	}
	key := cacheKey(entry.Provider, entry.Model, entry.Currency)
	if err := store.rdb.Del(ctx, key).Err(); err != nil {
		store.logger.Warn("price cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// cacheKey escapes each part so a ':' inside a provider or model name cannot
// collide with the separator.
func cacheKey(provider string, model string, currency fx.Currency) string {
	return keyPrefix + url.QueryEscape(provider) + ":" + url.QueryEscape(model) + ":" + currency.String()
}
