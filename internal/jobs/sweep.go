package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"go.uber.org/zap"
)

const (
	JobHoldSweep          = "hold_sweep"
	defaultHoldTTL        = 30 * time.Minute
	defaultHoldSweepBatch = 100
)

// HoldStore lists holds that never received a release.
type HoldStore interface {
	ListOpenHolds(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Entry, error)
}

// HoldExpirer releases an orphaned hold.
type HoldExpirer interface {
	ExpireChatHold(ctx context.Context, userID ledger.UserID, turnID ledger.TurnID) (ledger.CancelResult, error)
}

// HoldSweeper releases chat holds older than a TTL.
type HoldSweeper struct {
	holds     HoldStore
	expirer   HoldExpirer
	ttl       time.Duration
	batchSize int
	nowFn     func() time.Time
	logger    *zap.Logger
}

// NewHoldSweeper wires a HoldSweeper. A non-positive ttl uses 30 minutes.
func NewHoldSweeper(holds HoldStore, expirer HoldExpirer, ttl time.Duration, now func() time.Time, logger *zap.Logger) (*HoldSweeper, error) {
	if holds == nil || expirer == nil {
		return nil, fmt.Errorf("%w: hold sweeper dependencies are required", ledger.ErrInvalidServiceConfig)
	}
	if ttl <= 0 {
		ttl = defaultHoldTTL
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HoldSweeper{holds: holds, expirer: expirer, ttl: ttl, batchSize: defaultHoldSweepBatch, nowFn: now, logger: logger.With(zap.String("job", JobHoldSweep))}, nil
}

// Name identifies the job.
func (sweeper *HoldSweeper) Name() string {
	return JobHoldSweep
}

// Run expires every open hold created before now - ttl. Expired holds drop out
// of the listing, so the scan restarts from the top until a short page.
func (sweeper *HoldSweeper) Run(ctx context.Context) (Report, error) {
	var report Report
	cutoff := sweeper.nowFn().UTC().Add(-sweeper.ttl)
	seen := map[string]struct{}{}
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		holds, err := sweeper.holds.ListOpenHolds(ctx, cutoff, sweeper.batchSize)
		if err != nil {
			return report, err
		}
		progressed := false
		for _, hold := range holds {
			if _, done := seen[hold.EntryID]; done {
				continue
			}
			seen[hold.EntryID] = struct{}{}
			progressed = true
			report.Scanned++
			sweeper.expire(ctx, hold, &report)
		}
		if len(holds) < sweeper.batchSize || !progressed {
			return report, nil
		}
	}
}

func (sweeper *HoldSweeper) expire(ctx context.Context, hold ledger.Entry, report *Report) {
	userID, err := ledger.NewUserID(hold.UserID)
	if err != nil {
		report.Skipped++
		return
	}
	turnID, err := ledger.TurnIDFromChatRef(hold.RefID)
	if err != nil {
		report.Skipped++
		return
	}
	result, err := sweeper.expirer.ExpireChatHold(ctx, userID, turnID)
	if err != nil {
		report.Failed++
		sweeper.logger.Error("hold expiry failed", zap.String("user_id", hold.UserID), zap.String("ref_id", hold.RefID), zap.Error(err))
		return
	}
	report.Updated++
	sweeper.logger.Info("hold expired",
		zap.String("user_id", hold.UserID),
		zap.String("ref_id", hold.RefID),
		zap.Int64("released_tokens", result.ReleasedTokens))
}
