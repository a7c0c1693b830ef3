package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/config"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenwallet/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagUser        = "user"
	flagCurrency    = "currency"
	flagCreditLimit = "credit-limit"
	flagAmount      = "amount"
	flagSource      = "source"
	flagRefID       = "ref-id"
)

// withApplication loads config, wires the process and runs fn until a signal arrives.
func withApplication(cmd *cobra.Command, settings *viper.Viper, prepare func(cfg *config.Config), fn func(ctx context.Context, app *application) error) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	if prepare != nil {
		prepare(&cfg)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func newServeCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the wallet HTTP API and run background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, settings, (*config.Config).WithJobDefaults, func(ctx context.Context, app *application) error {
				return serve(ctx, settings, app)
			})
		},
	}
	cmd.Flags().String(flagListenAddr, config.DefaultListenAddr, "HTTP listen address")
	return cmd
}

func serve(ctx context.Context, settings *viper.Viper, app *application) error {
	if settings.ConfigFileUsed() != "" {
		settings.OnConfigChange(func(event fsnotify.Event) {
			cfg, err := loadConfig(settings)
			if err != nil {
				app.logger.Error("config reload rejected", zap.String("file", event.Name), zap.Error(err))
				return
			}
			app.reloadRates(cfg)
		})
		settings.WatchConfig()
	}

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     app.cfg.ListenAddr,
		AllowedOrigins: app.cfg.AllowedOrigins,
	}, httpapi.Dependencies{
		Engine:    app.engine,
		Alerts:    app.alerts,
		Prices:    app.resolver,
		Converter: app.converter,
		Metrics:   app.metrics,
		Logger:    app.logger,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	runners, err := app.runners()
	if err != nil {
		return err
	}
	var waitGroup sync.WaitGroup
	for _, runner := range runners {
		runner := runner
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			runner.Start(ctx)
		}()
	}
	defer waitGroup.Wait()

	return server.Run(ctx)
}

func newMigrateCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrateDatabase(settings, migrations.Up)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrateDatabase(settings, migrations.Down)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(settings)
				if err != nil {
					return err
				}
				version, dirty, err := migrations.Version(cfg.DatabaseURL)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			},
		},
	)
	return cmd
}

// migrateDatabase runs versioned migrations on Postgres. SQLite databases are
// auto-migrated from the models instead.
func migrateDatabase(settings *viper.Viper, apply func(databaseURL string) error) error {
	cfg, err := loadConfig(settings)
	if err != nil {
		return err
	}
	driver, _, err := gormstore.ResolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver != gormstore.DriverPostgres {
		return errors.New("versioned migrations require a postgres database url; sqlite schemas are prepared on startup")
	}
	return apply(cfg.DatabaseURL)
}

func newPricesCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Manage model prices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Upsert the price periods listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			entries, err := pricing.ParsePriceList(file)
			if err != nil {
				return err
			}
			return withApplication(cmd, settings, nil, func(ctx context.Context, app *application) error {
				for _, entry := range entries {
					if err := app.prices.UpsertPrice(ctx, entry); err != nil {
						return fmt.Errorf("upsert %s/%s %s: %w", entry.Provider, entry.Model, entry.Currency, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d price periods\n", len(entries))
				return nil
			})
		},
	})
	return cmd
}

func newJobCommand(settings *viper.Viper, name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Run one %s pass", name),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, settings, nil, func(ctx context.Context, app *application) error {
				job, err := app.job(name)
				if err != nil {
					return err
				}
				report, err := job.Run(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d updated=%d skipped=%d failed=%d\n",
					report.Scanned, report.Updated, report.Skipped, report.Failed)
				return nil
			})
		},
	}
}

func newWalletCommand(settings *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Provision and credit wallets",
	}

	provision := &cobra.Command{
		Use:   "provision",
		Short: "Create a wallet for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUserID, _ := cmd.Flags().GetString(flagUser)
			rawCurrency, _ := cmd.Flags().GetString(flagCurrency)
			creditLimit, _ := cmd.Flags().GetInt64(flagCreditLimit)
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			return withApplication(cmd, settings, nil, func(ctx context.Context, app *application) error {
				currency := app.cfg.Currency()
				if rawCurrency != "" {
					if currency, err = fx.ParseCurrency(rawCurrency); err != nil {
						return err
					}
				}
				wallet, err := app.engine.ProvisionWallet(ctx, userID, currency, creditLimit)
				if err != nil {
					return err
				}
				printWallet(cmd, wallet)
				return nil
			})
		},
	}
	provision.Flags().String(flagUser, "", "user id")
	provision.Flags().String(flagCurrency, "", "billing currency (defaults to default_currency)")
	provision.Flags().Int64(flagCreditLimit, 0, "credit limit in tokens")

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Credit tokens to a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawUserID, _ := cmd.Flags().GetString(flagUser)
			amount, _ := cmd.Flags().GetInt64(flagAmount)
			source, _ := cmd.Flags().GetString(flagSource)
			refID, _ := cmd.Flags().GetString(flagRefID)
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			return withApplication(cmd, settings, nil, func(ctx context.Context, app *application) error {
				wallet, err := app.engine.Grant(ctx, ledger.CreditRequest{
					UserID:       userID,
					AmountTokens: amount,
					Source:       source,
					RefID:        refID,
				})
				if err != nil {
					return err
				}
				printWallet(cmd, wallet)
				return nil
			})
		},
	}
	grant.Flags().String(flagUser, "", "user id")
	grant.Flags().Int64(flagAmount, 0, "tokens to credit")
	grant.Flags().String(flagSource, "admin", "grant source")
	grant.Flags().String(flagRefID, "", "idempotency reference")

	cmd.AddCommand(provision, grant)
	return cmd
}

func printWallet(cmd *cobra.Command, wallet ledger.Wallet) {
	fmt.Fprintf(cmd.OutOrStdout(), "user=%s balance=%d hold=%d credit_limit=%d currency=%s\n",
		wallet.UserID, wallet.TokenBalance, wallet.HoldAmount, wallet.CreditLimit, wallet.Currency)
}
