package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"go.uber.org/zap"
)

const (
	JobReconcile          = "reconcile"
	defaultReconcileBatch = 200
)

// UsageStore pages unpriced usage and writes recomputed costs.
type UsageStore interface {
	ListUnpricedUsage(ctx context.Context, afterID string, limit int) ([]ledger.UsageRecord, error)
	UpdateUsageCost(ctx context.Context, recordID string, costCents int64) error
}

// WalletReader resolves the currency a user is billed in.
type WalletReader interface {
	GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
}

// Reconciler recomputes final costs of usage records that have none.
type Reconciler struct {
	usage     UsageStore
	wallets   WalletReader
	quoter    ledger.CostQuoter
	logger    *zap.Logger
	batchSize int
}

// NewReconciler wires a Reconciler. A non-positive batchSize uses the default.
func NewReconciler(usage UsageStore, wallets WalletReader, quoter ledger.CostQuoter, logger *zap.Logger, batchSize int) (*Reconciler, error) {
	if usage == nil || wallets == nil || quoter == nil {
		return nil, fmt.Errorf("%w: reconciler dependencies are required", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = defaultReconcileBatch
	}
	return &Reconciler{usage: usage, wallets: wallets, quoter: quoter, logger: logger.With(zap.String("job", JobReconcile)), batchSize: batchSize}, nil
}

// Name identifies the job.
func (reconciler *Reconciler) Name() string {
	return JobReconcile
}

// Run walks every unpriced record once. Records without provider or model and
// records whose price cannot be resolved are skipped, not failed.
func (reconciler *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		records, err := reconciler.usage.ListUnpricedUsage(ctx, afterID, reconciler.batchSize)
		if err != nil {
			return report, err
		}
		for _, record := range records {
			report.Scanned++
			afterID = record.ID
			if err := reconciler.reconcile(ctx, record, &report); err != nil {
				return report, err
			}
		}
		if len(records) < reconciler.batchSize {
			return report, nil
		}
	}
}

func (reconciler *Reconciler) reconcile(ctx context.Context, record ledger.UsageRecord, report *Report) error {
	if strings.TrimSpace(record.Provider) == "" || strings.TrimSpace(record.Model) == "" {
		report.Skipped++
		return nil
	}
	userID, err := ledger.NewUserID(record.UserID)
	if err != nil {
		report.Skipped++
		return nil
	}
	wallet, err := reconciler.wallets.GetWallet(ctx, userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		reconciler.logger.Warn("usage record without wallet", zap.String("usage_id", record.ID), zap.String("user_id", record.UserID))
		report.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	quote, err := reconciler.quoter.Quote(ctx, pricing.QuoteRequest{
		Provider:  record.Provider,
		Model:     record.Model,
		Currency:  wallet.Currency,
		At:        record.CreatedAt,
		TokensIn:  record.TokensIn,
		TokensOut: record.TokensOut,
	})
	if ledger.IsConfigurationFault(err) {
		reconciler.logger.Error("usage record cannot be priced",
			zap.String("usage_id", record.ID),
			zap.String("provider", record.Provider),
			zap.String("model", record.Model),
			zap.Error(err))
		report.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	if record.FinalCostCents != nil && *record.FinalCostCents == quote.CostCents {
		return nil
	}
	if err := reconciler.usage.UpdateUsageCost(ctx, record.ID, quote.CostCents); err != nil {
		report.Failed++
		reconciler.logger.Error("usage cost update failed", zap.String("usage_id", record.ID), zap.Error(err))
		return nil
	}
	report.Updated++
	return nil
}
