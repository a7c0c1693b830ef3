package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(test *testing.T) {
	test.Parallel()
	path := filepath.Join(test.TempDir(), "walletd.yaml")
	require.NoError(test, os.WriteFile(path, []byte(`
database_url: sqlite:///tmp/walletd-test.db
default_currency: gbp
fx_usd_eur: "0.92"
fx_usd_gbp: "0.79"
hold_ttl: 45m
alert_email_to:
  - ops@example.com
  - finance@example.com
alert_email_from: wallet@example.com
smtp_addr: smtp.example.com:587
`), 0o600))

	settings := viper.New()
	settings.SetConfigFile(path)
	require.NoError(test, settings.ReadInConfig())

	cfg, err := loadConfig(settings)
	require.NoError(test, err)
	require.Equal(test, "GBP", cfg.DefaultCurrency)
	require.Equal(test, 45*time.Minute, cfg.HoldTTL)
	require.Equal(test, []string{"ops@example.com", "finance@example.com"}, cfg.AlertEmailTo)
	require.Equal(test, config.DefaultListenAddr, cfg.ListenAddr)
	require.Equal(test, []string{config.DefaultAllowedOrigin}, cfg.AllowedOrigins)
}

func TestLoadConfigRejectsMissingRates(test *testing.T) {
	test.Parallel()
	settings := viper.New()
	settings.Set(configKeyFXUSDToEUR, "0.92")
	_, err := loadConfig(settings)
	require.ErrorIs(test, err, config.ErrInvalidConfig)
}

func TestStringListAcceptsCommaDelimitedValues(test *testing.T) {
	test.Parallel()
	settings := viper.New()
	settings.Set(configKeyAllowedOrigins, "https://a.example, https://b.example")
	require.Equal(test, []string{"https://a.example", "https://b.example"}, stringList(settings, configKeyAllowedOrigins))
}

func TestRootCommandRegistersSubcommands(test *testing.T) {
	test.Parallel()
	cmd := newRootCommand()
	names := map[string]bool{}
	for _, child := range cmd.Commands() {
		names[child.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "prices", jobReconcile, jobSpendMonitor, jobSweepHolds, "wallet"} {
		require.True(test, names[name], "missing %s command", name)
	}
}
