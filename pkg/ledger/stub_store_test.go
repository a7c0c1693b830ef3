package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/shopspring/decimal"
)

type stubState struct {
	wallets  map[string]Wallet
	entries  []Entry
	usage    map[string]UsageRecord
	alerts   []Alert
	sequence int
}

func (state *stubState) clone() *stubState {
	copied := &stubState{
		wallets:  make(map[string]Wallet, len(state.wallets)),
		entries:  append([]Entry(nil), state.entries...),
		usage:    make(map[string]UsageRecord, len(state.usage)),
		alerts:   append([]Alert(nil), state.alerts...),
		sequence: state.sequence,
	}
	for key, wallet := range state.wallets {
		copied.wallets[key] = wallet
	}
	for key, record := range state.usage {
		copied.usage[key] = record
	}
	return copied
}

// stubStore is a serializable in-memory Store: WithTx holds a global lock and
// restores a snapshot when fn fails.
type stubStore struct {
	mutex      *sync.Mutex
	root       **stubState
	inTx       bool
	hooks      *[]func()
	failInsert error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := &stubState{wallets: map[string]Wallet{}, usage: map[string]UsageRecord{}}
	return &stubStore{mutex: &sync.Mutex{}, root: &state}
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *stubStore) state() *stubState {
	return *store.root
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	snapshot := store.state().clone()
	hooks := []func(){}
	txStore := &stubStore{mutex: store.mutex, root: store.root, inTx: true, hooks: &hooks, failInsert: store.failInsert}
	if err := fn(ctx, txStore); err != nil {
		*store.root = snapshot
		store.mutex.Unlock()
		return err
	}
	store.mutex.Unlock()
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (store *stubStore) AfterCommit(fn func()) {
	if store.hooks == nil {
		fn()
		return
	}
	*store.hooks = append(*store.hooks, fn)
}

func (store *stubStore) InsertAlert(_ context.Context, alert Alert) (Alert, error) {
	defer store.guard()()
	state := store.state()
	state.sequence++
	alert.ID = fmt.Sprintf("alert-%d", state.sequence)
	state.alerts = append(state.alerts, alert)
	return alert, nil
}

func (store *stubStore) CreateWallet(_ context.Context, wallet Wallet) (Wallet, error) {
	defer store.guard()()
	state := store.state()
	if _, exists := state.wallets[wallet.UserID]; exists {
		return Wallet{}, ErrWalletExists
	}
	state.wallets[wallet.UserID] = wallet
	return wallet, nil
}

func (store *stubStore) GetOrCreateWallet(_ context.Context, wallet Wallet) (Wallet, error) {
	defer store.guard()()
	state := store.state()
	if existing, exists := state.wallets[wallet.UserID]; exists {
		return existing, nil
	}
	state.wallets[wallet.UserID] = wallet
	return wallet, nil
}

func (store *stubStore) GetWallet(_ context.Context, userID UserID) (Wallet, error) {
	defer store.guard()()
	wallet, exists := store.state().wallets[userID.String()]
	if !exists {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) LockWallet(ctx context.Context, userID UserID) (Wallet, error) {
	return store.GetWallet(ctx, userID)
}

func (store *stubStore) IncrementWallet(_ context.Context, userID UserID, delta WalletDelta) (Wallet, error) {
	defer store.guard()()
	state := store.state()
	wallet, exists := state.wallets[userID.String()]
	if !exists {
		return Wallet{}, ErrWalletNotFound
	}
	wallet.TokenBalance += delta.TokenBalance
	wallet.HoldAmount += delta.HoldAmount
	state.wallets[userID.String()] = wallet
	return wallet, nil
}

func (store *stubStore) FindEntry(_ context.Context, key EntryKey) (Entry, bool, error) {
	defer store.guard()()
	for _, entry := range store.state().entries {
		if entry.Key() == key {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (store *stubStore) InsertEntryIfAbsent(ctx context.Context, entry Entry) (Entry, bool, error) {
	if store.failInsert != nil {
		return Entry{}, false, store.failInsert
	}
	if existing, found, _ := store.FindEntry(ctx, entry.Key()); found {
		return existing, false, nil
	}
	defer store.guard()()
	state := store.state()
	state.sequence++
	entry.EntryID = fmt.Sprintf("entry-%d", state.sequence)
	state.entries = append(state.entries, entry)
	return entry, true, nil
}

func (store *stubStore) UpdateEntryMeta(_ context.Context, entryID string, meta MetadataJSON) error {
	defer store.guard()()
	state := store.state()
	for index := range state.entries {
		if state.entries[index].EntryID == entryID {
			state.entries[index].Meta = meta
			return nil
		}
	}
	return fmt.Errorf("entry %s not found", entryID)
}

func (store *stubStore) ListEntries(_ context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	defer store.guard()()
	var matches []Entry
	for _, entry := range store.state().entries {
		if entry.UserID == userID.String() && entry.CreatedAt.Before(before) {
			matches = append(matches, entry)
		}
	}
	sort.SliceStable(matches, func(left, right int) bool {
		return matches[left].CreatedAt.After(matches[right].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (store *stubStore) UpsertUsageRecord(_ context.Context, record UsageRecord) (UsageRecord, error) {
	defer store.guard()()
	key := record.UserID + "|" + record.ConversationID + "|" + record.TurnID + "|" + record.Provider + "|" + record.Model
	store.state().usage[key] = record
	return record, nil
}

func (store *stubStore) mustWallet(test *testing.T, userID string) Wallet {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), mustUserID(test, userID))
	if err != nil {
		test.Fatalf("wallet %s: %v", userID, err)
	}
	return wallet
}

func (store *stubStore) seedWallet(wallet Wallet) {
	defer store.guard()()
	if wallet.Currency == "" {
		wallet.Currency = fx.USD
	}
	store.state().wallets[wallet.UserID] = wallet
}

func (store *stubStore) entriesOfType(entryType EntryType) []Entry {
	defer store.guard()()
	var matches []Entry
	for _, entry := range store.state().entries {
		if entry.Type == entryType {
			matches = append(matches, entry)
		}
	}
	return matches
}

func (store *stubStore) alertsOfType(alertType AlertType) []Alert {
	defer store.guard()()
	var matches []Alert
	for _, alert := range store.state().alerts {
		if alert.Type == alertType {
			matches = append(matches, alert)
		}
	}
	return matches
}

// stubQuoter prices every model at fixed per-1k rates in USD.
type stubQuoter struct {
	inputPer1k  decimal.Decimal
	outputPer1k decimal.Decimal
	err         error
	calls       int
}

func (quoter *stubQuoter) Quote(_ context.Context, request pricing.QuoteRequest) (pricing.Quote, error) {
	quoter.calls++
	if quoter.err != nil {
		return pricing.Quote{}, quoter.err
	}
	price := pricing.ActivePrice{
		Provider:         request.Provider,
		Model:            request.Model,
		InputPer1kCents:  quoter.inputPer1k,
		OutputPer1kCents: quoter.outputPer1k,
		Currency:         request.Currency,
	}
	return pricing.Quote{CostCents: pricing.CostFor(request.TokensIn, request.TokensOut, price), Currency: request.Currency, Price: price}, nil
}

// recordingRaiser persists alerts in the caller's scope and counts post-commit dispatches.
type recordingRaiser struct {
	mutex      sync.Mutex
	dispatched []AlertType
}

func (raiser *recordingRaiser) CreateSystemAlert(ctx context.Context, scope AlertScope, input AlertInput) (Alert, error) {
	meta, err := MarshalMetadata(input.Meta)
	if err != nil {
		return Alert{}, err
	}
	alert, err := scope.InsertAlert(ctx, Alert{Type: input.Type, Severity: input.Severity, UserID: input.UserID, Meta: meta})
	if err != nil {
		return Alert{}, err
	}
	if input.Severity == SeverityHigh {
		scope.AfterCommit(func() {
			raiser.mutex.Lock()
			defer raiser.mutex.Unlock()
			raiser.dispatched = append(raiser.dispatched, input.Type)
		})
	}
	return alert, nil
}

type recorderLogger struct {
	mutex   sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) last(test *testing.T) OperationLog {
	test.Helper()
	logger.mutex.Lock()
	defer logger.mutex.Unlock()
	if len(logger.entries) == 0 {
		test.Fatalf("expected a logged operation")
	}
	return logger.entries[len(logger.entries)-1]
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixedQuoter() *stubQuoter {
	return &stubQuoter{inputPer1k: decimal.NewFromInt(10), outputPer1k: decimal.NewFromInt(20)}
}

func mustNewService(test *testing.T, store Store, quoter CostQuoter, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, quoter, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustTurnID(test *testing.T, raw string) TurnID {
	test.Helper()
	turnID, err := NewTurnID(raw)
	if err != nil {
		test.Fatalf("turn id: %v", err)
	}
	return turnID
}
