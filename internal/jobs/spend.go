package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	JobSpendMonitor        = "spend_monitor"
	spendWindowDays        = 7
	spendRecentWindow      = 24 * time.Hour
	defaultSpendMultiplier = 3
	spendDecimalPlaces     = 2
)

// SpendStore aggregates spend per user.
type SpendStore interface {
	SumSpendByUser(ctx context.Context, windowStart time.Time, recentStart time.Time) ([]ledger.UserSpend, error)
}

// SpendMonitor raises spend_spike alerts when the last day outpaces the weekly average.
type SpendMonitor struct {
	spend      SpendStore
	alerts     ledger.AlertRaiser
	scope      ledger.AlertScope
	multiplier decimal.Decimal
	nowFn      func() time.Time
	logger     *zap.Logger
}

// NewSpendMonitor wires a SpendMonitor. A non-positive multiplier uses 3.
// Alerts are written through scope outside of any transaction.
func NewSpendMonitor(spend SpendStore, alerts ledger.AlertRaiser, scope ledger.AlertScope, multiplier decimal.Decimal, now func() time.Time, logger *zap.Logger) (*SpendMonitor, error) {
	if spend == nil || alerts == nil || scope == nil {
		return nil, fmt.Errorf("%w: spend monitor dependencies are required", ledger.ErrInvalidServiceConfig)
	}
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(defaultSpendMultiplier)
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpendMonitor{
		spend:      spend,
		alerts:     alerts,
		scope:      scope,
		multiplier: multiplier,
		nowFn:      now,
		logger:     logger.With(zap.String("job", JobSpendMonitor)),
	}, nil
}

// Name identifies the job.
func (monitor *SpendMonitor) Name() string {
	return JobSpendMonitor
}

// Run compares each user's last 24h spend with avgDaily × multiplier, where
// avgDaily is the trailing 7 day total divided by 7.
func (monitor *SpendMonitor) Run(ctx context.Context) (Report, error) {
	var report Report
	now := monitor.nowFn().UTC()
	totals, err := monitor.spend.SumSpendByUser(ctx, now.AddDate(0, 0, -spendWindowDays), now.Add(-spendRecentWindow))
	if err != nil {
		return report, err
	}
	for _, total := range totals {
		report.Scanned++
		spike, deltaPercent, avgDaily := monitor.evaluate(total)
		if !spike {
			report.Skipped++
			continue
		}
		_, err := monitor.alerts.CreateSystemAlert(ctx, monitor.scope, ledger.AlertInput{
			Type:     ledger.AlertSpendSpike,
			Severity: ledger.SeverityMedium,
			UserID:   total.UserID,
			Meta: map[string]any{
				"total7d":    total.WindowTokens,
				"total24h":   total.RecentTokens,
				"avgDaily":   avgDaily.StringFixed(spendDecimalPlaces),
				"multiplier": monitor.multiplier.String(),
				"deltaPct":   deltaPercent.StringFixed(spendDecimalPlaces),
			},
		})
		if err != nil {
			report.Failed++
			monitor.logger.Error("spend spike alert failed", zap.String("user_id", total.UserID), zap.Error(err))
			continue
		}
		report.Updated++
	}
	return report, nil
}

func (monitor *SpendMonitor) evaluate(total ledger.UserSpend) (bool, decimal.Decimal, decimal.Decimal) {
	avgDaily := decimal.NewFromInt(total.WindowTokens).Div(decimal.NewFromInt(spendWindowDays))
	if !avgDaily.IsPositive() {
		return false, decimal.Zero, avgDaily
	}
	recent := decimal.NewFromInt(total.RecentTokens)
	if !recent.GreaterThan(avgDaily.Mul(monitor.multiplier)) {
		return false, decimal.Zero, avgDaily
	}
	deltaPercent := recent.Sub(avgDaily).Div(avgDaily).Mul(decimal.NewFromInt(100))
	return true, deltaPercent, avgDaily
}
