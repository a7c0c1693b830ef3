package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"gorm.io/gorm"
)

func (store *Store) InsertAlert(ctx context.Context, alert ledger.Alert) (ledger.Alert, error) {
	row := SystemAlert{
		Type:      string(alert.Type),
		Severity:  string(alert.Severity),
		Meta:      datatypesJSON(alert.Meta.String()),
		CreatedAt: alert.CreatedAt.UTC(),
	}
	if alert.UserID != "" {
		userID := alert.UserID
		row.UserID = &userID
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Alert{}, wrapStoreError(errorSubjectAlert, errorCodeInsert, err)
	}
	return mapAlert(row)
}

// ListAlerts returns alerts newest first.
func (store *Store) ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error) {
	query := store.db.WithContext(ctx).Model(&SystemAlert{})
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", string(filter.Severity))
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.Unacknowledged {
		query = query.Where("acknowledged_at IS NULL")
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var rows []SystemAlert
	if err := query.Order("created_at DESC").Order("id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectAlert, errorCodeList, err)
	}
	alerts := make([]ledger.Alert, 0, len(rows))
	for _, row := range rows {
		alert, err := mapAlert(row)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// AcknowledgeAlert sets acknowledged_at once. It reports whether this call set it.
func (store *Store) AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) (ledger.Alert, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&SystemAlert{}).
		Where("id = ? AND acknowledged_at IS NULL", alertID).
		Update("acknowledged_at", at.UTC())
	if result.Error != nil {
		return ledger.Alert{}, false, wrapStoreError(errorSubjectAlert, errorCodeUpdate, result.Error)
	}
	var row SystemAlert
	err := store.db.WithContext(ctx).Where("id = ?", alertID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Alert{}, false, wrapStoreError(errorSubjectAlert, errorCodeGet, ledger.ErrAlertNotFound)
	}
	if err != nil {
		return ledger.Alert{}, false, wrapStoreError(errorSubjectAlert, errorCodeGet, err)
	}
	alert, err := mapAlert(row)
	if err != nil {
		return ledger.Alert{}, false, err
	}
	return alert, result.RowsAffected > 0, nil
}

func mapAlert(row SystemAlert) (ledger.Alert, error) {
	alertType, err := ledger.ParseAlertType(row.Type)
	if err != nil {
		return ledger.Alert{}, wrapStoreError(errorSubjectAlert, errorCodeInvalid, err)
	}
	severity, err := ledger.ParseSeverity(row.Severity)
	if err != nil {
		return ledger.Alert{}, wrapStoreError(errorSubjectAlert, errorCodeInvalid, err)
	}
	meta, err := ledger.NewMetadataJSON(string(row.Meta))
	if err != nil {
		return ledger.Alert{}, wrapStoreError(errorSubjectAlert, errorCodeInvalid, err)
	}
	alert := ledger.Alert{
		ID:             row.ID,
		Type:           alertType,
		Severity:       severity,
		Meta:           meta,
		AcknowledgedAt: utcPointer(row.AcknowledgedAt),
		CreatedAt:      row.CreatedAt,
	}
	if row.UserID != nil {
		alert.UserID = *row.UserID
	}
	return alert, nil
}
