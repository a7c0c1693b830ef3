package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectWallet    = "wallet"
	errorSubjectEntry     = "entry"
	errorSubjectUsage     = "usage"
	errorSubjectPrice     = "price"
	errorSubjectAlert     = "alert"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeLock         = "lock"
	errorCodeIncrement    = "increment"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"
	errorCodeAggregate    = "aggregate"
)

var entryKeyColumns = []clause.Column{{Name: "user_id"}, {Name: "type"}, {Name: "source"}, {Name: "ref_id"}}

// Store implements ledger.Store, pricing.Store and the alert and job stores using GORM.
type Store struct {
	db    *gorm.DB
	hooks *[]func()
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for created_at and updated_at columns the
// caller does not supply.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, options ...Option) *Store {
	store := &Store{db: db, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// WithTx executes fn within a transaction and runs AfterCommit hooks once it commits.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.hooks != nil {
		return fn(ctx, store)
	}
	hooks := []func(){}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, hooks: &hooks, now: store.now})
	})
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// AfterCommit defers fn until the enclosing transaction commits; outside a transaction it runs immediately.
func (store *Store) AfterCommit(fn func()) {
	if store.hooks == nil {
		fn()
		return
	}
	*store.hooks = append(*store.hooks, fn)
}

func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	model := walletModel(wallet, store.now().UTC())
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeDuplicate, ledger.ErrWalletExists)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return mapWallet(model)
}

func (store *Store) GetOrCreateWallet(ctx context.Context, wallet ledger.Wallet) (ledger.Wallet, error) {
	model := walletModel(wallet, store.now().UTC())
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	userID, err := ledger.NewUserID(wallet.UserID)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return store.GetWallet(ctx, userID)
}

func (store *Store) GetWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx), userID, errorCodeGet)
}

// LockWallet takes a FOR UPDATE row lock on Postgres; SQLite serializes writers itself.
func (store *Store) LockWallet(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.takeWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, errorCodeLock)
}

func (store *Store) takeWallet(query *gorm.DB, userID ledger.UserID, code string) (ledger.Wallet, error) {
	var model Wallet
	err := query.Where("user_id = ?", userID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, code, err)
	}
	return mapWallet(model)
}

// IncrementWallet applies relative increments in a single UPDATE.
func (store *Store) IncrementWallet(ctx context.Context, userID ledger.UserID, delta ledger.WalletDelta) (ledger.Wallet, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]any{
			"token_balance": gorm.Expr("token_balance + ?", delta.TokenBalance),
			"hold_amount":   gorm.Expr("hold_amount + ?", delta.HoldAmount),
			"updated_at":    store.now().UTC(),
		})
	if result.Error != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeIncrement, ledger.ErrWalletNotFound)
	}
	return store.GetWallet(ctx, userID)
}

func (store *Store) FindEntry(ctx context.Context, key ledger.EntryKey) (ledger.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND source = ? AND ref_id = ?", key.UserID, key.Type.String(), key.Source, key.RefID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// InsertEntryIfAbsent relies on the unique (user_id, type, source, ref_id) index:
// a conflicting insert is skipped and the stored row is returned instead.
func (store *Store) InsertEntryIfAbsent(ctx context.Context, entry ledger.Entry) (ledger.Entry, bool, error) {
	row := LedgerEntry{
		UserID:          entry.UserID,
		Type:            entry.Type.String(),
		Source:          entry.Source,
		RefID:           entry.RefID,
		AmountTokens:    entry.AmountTokens,
		Provider:        entry.Provider,
		Model:           entry.Model,
		Currency:        entry.Currency.String(),
		AmountFiatCents: entry.AmountFiatCents,
		Meta:            datatypesJSON(entry.Meta.String()),
		CreatedAt:       entry.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = store.now().UTC()
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: entryKeyColumns, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
		}
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, result.Error)
	}
	if result.RowsAffected == 0 {
		existing, found, err := store.FindEntry(ctx, entry.Key())
		if err != nil {
			return ledger.Entry{}, false, err
		}
		if !found {
			return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrDuplicateIdempotencyKey)
		}
		return existing, false, nil
	}
	stored, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return stored, true, nil
}

func (store *Store) UpdateEntryMeta(ctx context.Context, entryID string, meta ledger.MetadataJSON) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ?", entryID).
		Update("meta", datatypesJSON(meta.String()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error) {
	if before.IsZero() {
		before = store.now().UTC().Add(time.Second)
	}
	query := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before.UTC()).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []LedgerEntry
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapLedgerEntries(rows)
}

// UpsertUsageRecord writes the usage row keyed by user, conversation, turn, provider and model.
func (store *Store) UpsertUsageRecord(ctx context.Context, record ledger.UsageRecord) (ledger.UsageRecord, error) {
	row := usageModel(record, store.now().UTC())
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}, {Name: "turn_id"}, {Name: "provider"}, {Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tokens_in", "tokens_out", "total_tokens", "final_cost_cents", "currency", "latency_ms", "status", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		return ledger.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeUpsert, err)
	}
	var stored UsageRecord
	err = store.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ? AND turn_id = ? AND provider = ? AND model = ?",
			row.UserID, row.ConversationID, row.TurnID, row.Provider, row.Model).
		Take(&stored).Error
	if err != nil {
		return ledger.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeGet, err)
	}
	return mapUsageRecord(stored), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func walletModel(wallet ledger.Wallet, now time.Time) Wallet {
	model := Wallet{
		UserID:       wallet.UserID,
		TokenBalance: wallet.TokenBalance,
		HoldAmount:   wallet.HoldAmount,
		CreditLimit:  wallet.CreditLimit,
		Currency:     wallet.Currency.String(),
		CreatedAt:    wallet.CreatedAt.UTC(),
		UpdatedAt:    wallet.UpdatedAt.UTC(),
	}
	if wallet.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	if wallet.UpdatedAt.IsZero() {
		model.UpdatedAt = now
	}
	return model
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	currency, err := fx.ParseCurrency(model.Currency)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return ledger.Wallet{
		UserID:       model.UserID,
		TokenBalance: model.TokenBalance,
		HoldAmount:   model.HoldAmount,
		CreditLimit:  model.CreditLimit,
		Currency:     currency,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	meta, err := ledger.NewMetadataJSON(string(row.Meta))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:         row.EntryID,
		UserID:          row.UserID,
		Type:            entryType,
		AmountTokens:    row.AmountTokens,
		Source:          row.Source,
		RefID:           row.RefID,
		Provider:        row.Provider,
		Model:           row.Model,
		Currency:        fx.Currency(row.Currency),
		AmountFiatCents: row.AmountFiatCents,
		Meta:            meta,
		CreatedAt:       row.CreatedAt,
	}, nil
}

func mapLedgerEntries(rows []LedgerEntry) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func usageModel(record ledger.UsageRecord, now time.Time) UsageRecord {
	row := UsageRecord{
		ID:             record.ID,
		UserID:         record.UserID,
		ConversationID: record.ConversationID,
		TurnID:         record.TurnID,
		Provider:       record.Provider,
		Model:          record.Model,
		TokensIn:       record.TokensIn,
		TokensOut:      record.TokensOut,
		TotalTokens:    record.TotalTokens,
		FinalCostCents: record.FinalCostCents,
		Currency:       record.Currency.String(),
		LatencyMs:      record.LatencyMs,
		Status:         string(record.Status),
		CreatedAt:      record.CreatedAt.UTC(),
		UpdatedAt:      record.UpdatedAt.UTC(),
	}
	if record.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	return row
}

func mapUsageRecord(row UsageRecord) ledger.UsageRecord {
	return ledger.UsageRecord{
		ID:             row.ID,
		UserID:         row.UserID,
		ConversationID: row.ConversationID,
		TurnID:         row.TurnID,
		Provider:       row.Provider,
		Model:          row.Model,
		TokensIn:       row.TokensIn,
		TokensOut:      row.TokensOut,
		TotalTokens:    row.TotalTokens,
		FinalCostCents: row.FinalCostCents,
		Currency:       fx.Currency(row.Currency),
		LatencyMs:      row.LatencyMs,
		Status:         ledger.UsageStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
