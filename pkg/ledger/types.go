package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
)

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// TurnID identifies one metered operation (a chat turn).
type TurnID struct {
	value string
}

// MetadataJSON stores arbitrary diagnostic metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTurnID validates and normalizes a turn id.
func NewTurnID(raw string) (TurnID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TurnID{}, fmt.Errorf("%w: empty value", ErrInvalidTurnID)
	}
	return TurnID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TurnID) String() string {
	return id.value
}

// ChatRefID is the idempotency reference used by every ledger entry of a chat turn.
func (id TurnID) ChatRefID() string {
	return chatRefPrefix + id.value
}

// TurnIDFromChatRef recovers the turn id from a chat ref id.
func TurnIDFromChatRef(refID string) (TurnID, error) {
	if !strings.HasPrefix(refID, chatRefPrefix) {
		return TurnID{}, fmt.Errorf("%w: %q is not a chat ref", ErrInvalidRefID, refID)
	}
	return NewTurnID(strings.TrimPrefix(refID, chatRefPrefix))
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MarshalMetadata encodes a value as metadata.
func MarshalMetadata(value any) (MetadataJSON, error) {
	if value == nil {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Decode unmarshals the metadata into target.
func (metadata MetadataJSON) Decode(target any) error {
	if err := json.Unmarshal([]byte(metadata.String()), target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return nil
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant       EntryType = "grant"
	EntrySpend       EntryType = "spend"
	EntryHold        EntryType = "hold"
	EntryHoldRelease EntryType = "hold_release"
	EntryRefund      EntryType = "refund"
	EntryAdjustment  EntryType = "adjustment"
)

// ParseEntryType validates an entry type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch entryType := EntryType(strings.TrimSpace(raw)); entryType {
	case EntryGrant, EntrySpend, EntryHold, EntryHoldRelease, EntryRefund, EntryAdjustment:
		return entryType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the entry type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// EntryKey is the idempotency boundary of the ledger.
type EntryKey struct {
	UserID string
	Type   EntryType
	Source string
	RefID  string
}

// Entry is a single logically immutable ledger line. AmountTokens is a positive
// magnitude whose direction is implied by Type, except adjustments which carry
// the signed delta applied to the balance.
type Entry struct {
	EntryID         string
	UserID          string
	Type            EntryType
	AmountTokens    int64
	Source          string
	RefID           string
	Provider        string
	Model           string
	Currency        fx.Currency
	AmountFiatCents int64
	Meta            MetadataJSON
	CreatedAt       time.Time
}

// Key returns the entry's idempotency key.
func (entry Entry) Key() EntryKey {
	return EntryKey{UserID: entry.UserID, Type: entry.Type, Source: entry.Source, RefID: entry.RefID}
}

// Wallet is the per-user mutable aggregate.
type Wallet struct {
	UserID       string
	TokenBalance int64
	HoldAmount   int64
	CreditLimit  int64
	Currency     fx.Currency
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Spendable is the amount currently available for new holds.
func (wallet Wallet) Spendable() int64 {
	return wallet.TokenBalance + wallet.CreditLimit - wallet.HoldAmount
}

// WalletDelta is a relative change applied atomically to a wallet row.
type WalletDelta struct {
	TokenBalance int64
	HoldAmount   int64
}

// UsageStatus describes a usage record.
type UsageStatus string

const (
	UsageStatusSettled UsageStatus = "settled"
)

// UsageRecord stores the actual consumption of one metered operation.
type UsageRecord struct {
	ID             string
	UserID         string
	ConversationID string
	TurnID         string
	Provider       string
	Model          string
	TokensIn       int64
	TokensOut      int64
	TotalTokens    int64
	FinalCostCents *int64
	Currency       fx.Currency
	LatencyMs      *int64
	Status         UsageStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AlertType enumerates guardrail alerts.
type AlertType string

const (
	AlertSpendSpike         AlertType = "spend_spike"
	AlertInsufficientTokens AlertType = "insufficient_tokens"
	AlertNegativeBalance    AlertType = "negative_balance"
	AlertCapExceeded        AlertType = "cap_exceeded"
)

// ParseAlertType validates an alert type string.
func ParseAlertType(raw string) (AlertType, error) {
	switch alertType := AlertType(strings.TrimSpace(raw)); alertType {
	case AlertSpendSpike, AlertInsufficientTokens, AlertNegativeBalance, AlertCapExceeded:
		return alertType, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAlertType, raw)
}

// Severity ranks alerts.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity validates a severity string.
func ParseSeverity(raw string) (Severity, error) {
	switch severity := Severity(strings.TrimSpace(raw)); severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return severity, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, raw)
}

// Alert is a persisted guardrail alert. UserID is empty for system-wide alerts.
type Alert struct {
	ID             string
	Type           AlertType
	Severity       Severity
	UserID         string
	Meta           MetadataJSON
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}

// AlertInput describes an alert to be created.
type AlertInput struct {
	Type     AlertType
	Severity Severity
	UserID   string
	Meta     map[string]any
}

// AlertFilter narrows an alert listing. Zero values match everything.
type AlertFilter struct {
	Type           AlertType
	Severity       Severity
	UserID         string
	Since          time.Time
	Until          time.Time
	Unacknowledged bool
	Limit          int
	Offset         int
}

// UserSpend aggregates spend entries of one user over a window and its recent tail.
type UserSpend struct {
	UserID       string
	WindowTokens int64
	RecentTokens int64
}
