// Package config holds the runtime settings of walletd.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/shopspring/decimal"
)

const (
	DefaultDatabaseURL          = "sqlite:///tmp/tokenwallet.db"
	DefaultListenAddr           = ":8080"
	DefaultAllowedOrigin        = "http://localhost:3000"
	defaultSpendSpikeMultiplier = "3"
	defaultPriceCacheTTL        = 5 * time.Minute
	defaultHoldTTL              = 30 * time.Minute
	defaultReconcileInterval    = 15 * time.Minute
	defaultSpendMonitorInterval = time.Hour
	defaultHoldSweepInterval    = 5 * time.Minute
	defaultNotifyTimeout        = 10 * time.Second
)

// ErrInvalidConfig reports a rejected configuration value.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	DatabaseURL          string
	ListenAddr           string
	DefaultCurrency      string
	MaxTokensPerTurn     int64
	SpendSpikeMultiplier string
	FXUSDToEUR           string
	FXUSDToGBP           string
	AlertEmailTo         []string
	AlertEmailFrom       string
	SMTPAddr             string
	SMTPUsername         string
	SMTPPassword         string
	AlertWebhookURL      string
	RedisURL             string
	PriceCacheTTL        time.Duration
	HoldTTL              time.Duration
	ReconcileInterval    time.Duration
	SpendMonitorInterval time.Duration
	HoldSweepInterval    time.Duration
	AllowedOrigins       []string
	NotifyTimeout        time.Duration
}

// Validate fills defaults and rejects invalid values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, DefaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, DefaultListenAddr)
	cfg.DefaultCurrency = defaultIfEmpty(cfg.DefaultCurrency, fx.USD.String())
	cfg.SpendSpikeMultiplier = defaultIfEmpty(cfg.SpendSpikeMultiplier, defaultSpendSpikeMultiplier)
	cfg.PriceCacheTTL = defaultDuration(cfg.PriceCacheTTL, defaultPriceCacheTTL)
	cfg.HoldTTL = defaultDuration(cfg.HoldTTL, defaultHoldTTL)
	cfg.NotifyTimeout = defaultDuration(cfg.NotifyTimeout, defaultNotifyTimeout)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{DefaultAllowedOrigin}
	}

	if _, err := fx.ParseCurrency(cfg.DefaultCurrency); err != nil {
		return fmt.Errorf("%w: default currency: %v", ErrInvalidConfig, err)
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.MaxTokensPerTurn < 0 {
		return fmt.Errorf("%w: max tokens per turn must be non-negative", ErrInvalidConfig)
	}
	if _, err := cfg.SpikeMultiplier(); err != nil {
		return err
	}
	if _, err := cfg.BaseRates(); err != nil {
		return err
	}
	if cfg.ReconcileInterval < 0 || cfg.SpendMonitorInterval < 0 || cfg.HoldSweepInterval < 0 {
		return fmt.Errorf("%w: job intervals must be non-negative", ErrInvalidConfig)
	}
	if cfg.AlertWebhookURL != "" {
		parsed, err := url.Parse(cfg.AlertWebhookURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("%w: alert webhook url %q", ErrInvalidConfig, cfg.AlertWebhookURL)
		}
	}
	if len(cfg.AlertEmailTo) > 0 {
		if strings.TrimSpace(cfg.SMTPAddr) == "" || strings.TrimSpace(cfg.AlertEmailFrom) == "" {
			return fmt.Errorf("%w: smtp addr and alert email from are required for email alerts", ErrInvalidConfig)
		}
		for _, address := range append([]string{cfg.AlertEmailFrom}, cfg.AlertEmailTo...) {
			if _, err := mail.ParseAddress(address); err != nil {
				return fmt.Errorf("%w: email address %q", ErrInvalidConfig, address)
			}
		}
	}
	return nil
}

// WithJobDefaults fills unset job intervals. Zero intervals disable a job, so
// only the serve command applies these.
func (cfg *Config) WithJobDefaults() {
	cfg.ReconcileInterval = defaultDuration(cfg.ReconcileInterval, defaultReconcileInterval)
	cfg.SpendMonitorInterval = defaultDuration(cfg.SpendMonitorInterval, defaultSpendMonitorInterval)
	cfg.HoldSweepInterval = defaultDuration(cfg.HoldSweepInterval, defaultHoldSweepInterval)
}

// Currency returns the parsed default currency.
func (cfg *Config) Currency() fx.Currency {
	currency, err := fx.ParseCurrency(cfg.DefaultCurrency)
	if err != nil {
		return fx.USD
	}
	return currency
}

// BaseRates parses the configured FX base rates. Both are required.
func (cfg *Config) BaseRates() (fx.BaseRates, error) {
	usdToEUR, err := parsePositiveDecimal("fx_usd_eur", cfg.FXUSDToEUR)
	if err != nil {
		return fx.BaseRates{}, err
	}
	usdToGBP, err := parsePositiveDecimal("fx_usd_gbp", cfg.FXUSDToGBP)
	if err != nil {
		return fx.BaseRates{}, err
	}
	return fx.BaseRates{USDToEUR: usdToEUR, USDToGBP: usdToGBP}, nil
}

// SpikeMultiplier parses the spend spike multiplier.
func (cfg *Config) SpikeMultiplier() (decimal.Decimal, error) {
	return parsePositiveDecimal("spend_spike_multiplier", cfg.SpendSpikeMultiplier)
}

// EmailEnabled reports whether email alerts are configured.
func (cfg *Config) EmailEnabled() bool {
	return len(cfg.AlertEmailTo) > 0
}

// Email returns the SMTP notifier settings.
func (cfg *Config) Email() notify.EmailConfig {
	return notify.EmailConfig{
		Addr:     cfg.SMTPAddr,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.AlertEmailFrom,
		To:       cfg.AlertEmailTo,
	}
}

// ParseList splits comma-delimited values and drops blanks.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func parsePositiveDecimal(name string, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
	}
	return value, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
