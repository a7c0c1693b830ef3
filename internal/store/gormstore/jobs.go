package gormstore

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
)

// ListUnpricedUsage pages through usage records without a positive final cost, ordered by id.
func (store *Store) ListUnpricedUsage(ctx context.Context, afterID string, limit int) ([]ledger.UsageRecord, error) {
	var rows []UsageRecord
	err := store.db.WithContext(ctx).
		Where("(final_cost_cents IS NULL OR final_cost_cents <= 0) AND id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}
	records := make([]ledger.UsageRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, mapUsageRecord(row))
	}
	return records, nil
}

// UpdateUsageCost overwrites the final cost of one usage record.
func (store *Store) UpdateUsageCost(ctx context.Context, recordID string, costCents int64) error {
	err := store.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]any{"final_cost_cents": costCents, "updated_at": store.now().UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeUpdate, err)
	}
	return nil
}

type spendRow struct {
	UserID       string
	WindowTokens int64
	RecentTokens int64
}

// SumSpendByUser aggregates spend entries since windowStart, splitting out those since recentStart.
func (store *Store) SumSpendByUser(ctx context.Context, windowStart time.Time, recentStart time.Time) ([]ledger.UserSpend, error) {
	var rows []spendRow
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("user_id, coalesce(sum(amount_tokens),0) as window_tokens, coalesce(sum(case when created_at >= ? then amount_tokens else 0 end),0) as recent_tokens", recentStart.UTC()).
		Where("type = ? AND created_at >= ?", ledger.EntrySpend.String(), windowStart.UTC()).
		Group("user_id").
		Order("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeAggregate, err)
	}
	totals := make([]ledger.UserSpend, 0, len(rows))
	for _, row := range rows {
		totals = append(totals, ledger.UserSpend{UserID: row.UserID, WindowTokens: row.WindowTokens, RecentTokens: row.RecentTokens})
	}
	return totals, nil
}

// ListOpenHolds returns chat holds created before cutoff that have no release entry.
func (store *Store) ListOpenHolds(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Entry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Table("ledger_entries AS h").
		Select("h.*").
		Where("h.type = ? AND h.source = ? AND h.created_at < ?", ledger.EntryHold.String(), ledger.SourceChatTurn, cutoff.UTC()).
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries r WHERE r.user_id = h.user_id AND r.type = ? AND r.source = h.source AND r.ref_id = h.ref_id)", ledger.EntryHoldRelease.String()).
		Order("h.created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}
