package ledger

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
)

// AlertScope is the slice of a (transactional) store that alert creation needs.
// Functions registered with AfterCommit run only after the surrounding
// transaction commits and are dropped on rollback.
type AlertScope interface {
	InsertAlert(ctx context.Context, alert Alert) (Alert, error)
	AfterCommit(fn func())
}

// Store is the persistence port of the ledger.
type Store interface {
	AlertScope

	// WithTx runs fn inside a transaction. Nested calls reuse the outer transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	GetOrCreateWallet(ctx context.Context, wallet Wallet) (Wallet, error)
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	// LockWallet reads the wallet row under a row-level write lock.
	LockWallet(ctx context.Context, userID UserID) (Wallet, error)
	// IncrementWallet applies delta relative to the stored values and returns the new row.
	IncrementWallet(ctx context.Context, userID UserID, delta WalletDelta) (Wallet, error)

	FindEntry(ctx context.Context, key EntryKey) (Entry, bool, error)
	// InsertEntryIfAbsent inserts entry unless its key exists; it returns the stored
	// entry and whether this call created it.
	InsertEntryIfAbsent(ctx context.Context, entry Entry) (Entry, bool, error)
	UpdateEntryMeta(ctx context.Context, entryID string, meta MetadataJSON) error
	ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error)

	UpsertUsageRecord(ctx context.Context, record UsageRecord) (UsageRecord, error)
}

// AlertRaiser creates guardrail alerts within a caller-provided scope.
type AlertRaiser interface {
	CreateSystemAlert(ctx context.Context, scope AlertScope, input AlertInput) (Alert, error)
}

// CostQuoter prices a token pair in a target currency.
type CostQuoter interface {
	Quote(ctx context.Context, request pricing.QuoteRequest) (pricing.Quote, error)
}
