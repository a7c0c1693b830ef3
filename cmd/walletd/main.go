package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	envPrefix = "TOKENWALLET"

	flagConfig      = "config"
	flagDatabaseURL = "database-url"
	flagListenAddr  = "listen-addr"

	configKeyDatabaseURL          = "database_url"
	configKeyListenAddr           = "listen_addr"
	configKeyDefaultCurrency      = "default_currency"
	configKeyMaxTokensPerTurn     = "max_tokens_per_turn"
	configKeySpendSpikeMultiplier = "spend_spike_multiplier"
	configKeyFXUSDToEUR           = "fx_usd_eur"
	configKeyFXUSDToGBP           = "fx_usd_gbp"
	configKeyAlertEmailTo         = "alert_email_to"
	configKeyAlertEmailFrom       = "alert_email_from"
	configKeySMTPAddr             = "smtp_addr"
	configKeySMTPUsername         = "smtp_username"
	configKeySMTPPassword         = "smtp_password"
	configKeyAlertWebhookURL      = "alert_webhook_url"
	configKeyRedisURL             = "redis_url"
	configKeyPriceCacheTTL        = "price_cache_ttl"
	configKeyHoldTTL              = "hold_ttl"
	configKeyReconcileInterval    = "reconcile_interval"
	configKeySpendMonitorInterval = "spend_monitor_interval"
	configKeyHoldSweepInterval    = "hold_sweep_interval"
	configKeyAllowedOrigins       = "allowed_origins"
	configKeyNotifyTimeout        = "notify_timeout"
)

var configKeys = []string{
	configKeyDatabaseURL, configKeyListenAddr, configKeyDefaultCurrency, configKeyMaxTokensPerTurn,
	configKeySpendSpikeMultiplier, configKeyFXUSDToEUR, configKeyFXUSDToGBP, configKeyAlertEmailTo,
	configKeyAlertEmailFrom, configKeySMTPAddr, configKeySMTPUsername, configKeySMTPPassword,
	configKeyAlertWebhookURL, configKeyRedisURL, configKeyPriceCacheTTL, configKeyHoldTTL,
	configKeyReconcileInterval, configKeySpendMonitorInterval, configKeyHoldSweepInterval,
	configKeyAllowedOrigins, configKeyNotifyTimeout,
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Token wallet ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindSettings(cmd, settings)
		},
	}

	cmd.PersistentFlags().String(flagConfig, "", "optional YAML config file")
	cmd.PersistentFlags().String(flagDatabaseURL, config.DefaultDatabaseURL, "PostgreSQL URL or SQLite path")

	cmd.AddCommand(
		newServeCommand(settings),
		newMigrateCommand(settings),
		newPricesCommand(settings),
		newJobCommand(settings, jobReconcile),
		newJobCommand(settings, jobSpendMonitor),
		newJobCommand(settings, jobSweepHolds),
		newWalletCommand(settings),
	)
	return cmd
}

func bindSettings(cmd *cobra.Command, settings *viper.Viper) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	for _, key := range configKeys {
		if err := settings.BindEnv(key); err != nil {
			return err
		}
	}
	if err := settings.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if listenFlag := cmd.Flags().Lookup(flagListenAddr); listenFlag != nil {
		if err := settings.BindPFlag(configKeyListenAddr, listenFlag); err != nil {
			return err
		}
	}

	configFile, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	if configFile != "" {
		settings.SetConfigFile(configFile)
		if err := settings.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return nil
}

// loadConfig reads every key from flags, env and the config file, then validates.
func loadConfig(settings *viper.Viper) (config.Config, error) {
	cfg := config.Config{
		DatabaseURL:          settings.GetString(configKeyDatabaseURL),
		ListenAddr:           settings.GetString(configKeyListenAddr),
		DefaultCurrency:      settings.GetString(configKeyDefaultCurrency),
		MaxTokensPerTurn:     settings.GetInt64(configKeyMaxTokensPerTurn),
		SpendSpikeMultiplier: settings.GetString(configKeySpendSpikeMultiplier),
		FXUSDToEUR:           settings.GetString(configKeyFXUSDToEUR),
		FXUSDToGBP:           settings.GetString(configKeyFXUSDToGBP),
		AlertEmailTo:         stringList(settings, configKeyAlertEmailTo),
		AlertEmailFrom:       settings.GetString(configKeyAlertEmailFrom),
		SMTPAddr:             settings.GetString(configKeySMTPAddr),
		SMTPUsername:         settings.GetString(configKeySMTPUsername),
		SMTPPassword:         settings.GetString(configKeySMTPPassword),
		AlertWebhookURL:      settings.GetString(configKeyAlertWebhookURL),
		RedisURL:             settings.GetString(configKeyRedisURL),
		PriceCacheTTL:        settings.GetDuration(configKeyPriceCacheTTL),
		HoldTTL:              settings.GetDuration(configKeyHoldTTL),
		ReconcileInterval:    settings.GetDuration(configKeyReconcileInterval),
		SpendMonitorInterval: settings.GetDuration(configKeySpendMonitorInterval),
		HoldSweepInterval:    settings.GetDuration(configKeyHoldSweepInterval),
		AllowedOrigins:       stringList(settings, configKeyAllowedOrigins),
		NotifyTimeout:        settings.GetDuration(configKeyNotifyTimeout),
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// stringList accepts a YAML sequence or a comma-delimited env value.
func stringList(settings *viper.Viper, key string) []string {
	switch value := settings.Get(key).(type) {
	case []any:
		items := make([]string, 0, len(value))
		for _, item := range value {
			items = append(items, fmt.Sprint(item))
		}
		return config.ParseList(strings.Join(items, ","))
	case []string:
		return config.ParseList(strings.Join(value, ","))
	default:
		return config.ParseList(settings.GetString(key))
	}
}
