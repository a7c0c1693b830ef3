package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/alerts"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	store   *Store
	service *ledger.Service
	now     time.Time
}

func newEngineFixture(test *testing.T, options ...ledger.ServiceOption) engineFixture {
	test.Helper()
	ctx := context.Background()
	store := newTestStore(test)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(test, store.UpsertPrice(ctx, pricing.PriceEntry{
		Provider:         "openai",
		Model:            "gpt-4o",
		Currency:         fx.USD,
		InputPer1kCents:  decimal.NewFromInt(10),
		OutputPer1kCents: decimal.NewFromInt(20),
		EffectiveFrom:    now.Add(-24 * time.Hour),
	}))
	resolver, err := pricing.NewResolver(store, fx.USD)
	require.NoError(test, err)
	converter, err := fx.NewConverter(fx.BaseRates{USDToEUR: decimal.RequireFromString("0.9"), USDToGBP: decimal.RequireFromString("0.8")})
	require.NoError(test, err)
	quoter, err := pricing.NewQuoter(resolver, converter)
	require.NoError(test, err)
	alertService, err := alerts.NewService(store, nil, nil, alerts.WithClock(func() time.Time { return now }))
	require.NoError(test, err)

	options = append([]ledger.ServiceOption{ledger.WithAlertRaiser(alertService)}, options...)
	service, err := ledger.NewService(store, quoter, func() time.Time { return now }, options...)
	require.NoError(test, err)
	return engineFixture{store: store, service: service, now: now}
}

func (fixture engineFixture) provision(test *testing.T, rawUserID string, currency fx.Currency, balance int64) ledger.UserID {
	test.Helper()
	ctx := context.Background()
	userID := mustUserID(test, rawUserID)
	_, err := fixture.service.ProvisionWallet(ctx, userID, currency, 0)
	require.NoError(test, err)
	if balance > 0 {
		_, err = fixture.service.Grant(ctx, ledger.CreditRequest{UserID: userID, AmountTokens: balance, Source: "signup", RefID: "bonus:" + rawUserID})
		require.NoError(test, err)
	}
	return userID
}

func mustTurnID(test *testing.T, raw string) ledger.TurnID {
	test.Helper()
	turnID, err := ledger.NewTurnID(raw)
	require.NoError(test, err)
	return turnID
}

func TestEngineHoldSettleRoundTrip(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-1", fx.USD, 10000)
	turnID := mustTurnID(test, "turn-1")

	hold, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", PromptTokens: 1000, MaxOutputTokens: 1000})
	require.NoError(test, err)
	require.Equal(test, int64(2000), hold.HoldTokens)
	require.Equal(test, int64(2000), hold.HoldAmount)

	replayed, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", PromptTokens: 1000, MaxOutputTokens: 1000})
	require.NoError(test, err)
	require.Equal(test, hold.HoldTokens, replayed.HoldTokens)
	require.Equal(test, int64(2000), replayed.HoldAmount)

	latency := int64(850)
	settleRequest := ledger.SettleRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", ConversationID: "conv-1", TokensIn: 1000, TokensOut: 500, LatencyMs: &latency}
	settled, err := fixture.service.SettleChatTurn(ctx, settleRequest)
	require.NoError(test, err)
	require.Equal(test, ledger.SettleResult{HoldTokens: 2000, SpentTokens: 1500, ReleasedTokens: 2000, FinalCostCents: 20}, settled)

	again, err := fixture.service.SettleChatTurn(ctx, settleRequest)
	require.NoError(test, err)
	require.Equal(test, settled, again)

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(8500), wallet.TokenBalance)
	require.Equal(test, int64(0), wallet.HoldAmount)

	var usageCount int64
	require.NoError(test, fixture.store.db.Model(&UsageRecord{}).Where("user_id = ?", "user-1").Count(&usageCount).Error)
	require.Equal(test, int64(1), usageCount)
	var usage UsageRecord
	require.NoError(test, fixture.store.db.Where("user_id = ?", "user-1").Take(&usage).Error)
	require.NotNil(test, usage.FinalCostCents)
	require.Equal(test, int64(20), *usage.FinalCostCents)
}

func TestEngineSettleConvertsIntoWalletCurrency(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-eur", fx.EUR, 5000)
	turnID := mustTurnID(test, "turn-eur")

	_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", PromptTokens: 1000, MaxOutputTokens: 500})
	require.NoError(test, err)
	settled, err := fixture.service.SettleChatTurn(ctx, ledger.SettleRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", TokensIn: 1000, TokensOut: 500})
	require.NoError(test, err)
	require.Equal(test, int64(18), settled.FinalCostCents)
}

func TestEngineInsufficientFundsCommitsAlert(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-poor", fx.USD, 100)

	_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: mustTurnID(test, "turn-big"), Provider: "openai", Model: "gpt-4o", PromptTokens: 100, MaxOutputTokens: 50})
	require.ErrorIs(test, err, ledger.ErrInsufficientTokensForHold)
	require.True(test, ledger.IsCallerRecoverable(err))

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(0), wallet.HoldAmount)

	persisted, err := fixture.store.ListAlerts(ctx, ledger.AlertFilter{Type: ledger.AlertInsufficientTokens})
	require.NoError(test, err)
	require.Len(test, persisted, 1)
	require.Equal(test, "user-poor", persisted[0].UserID)
}

func TestEngineNegativeBalanceAlert(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-low", fx.USD, 10)
	turnID := mustTurnID(test, "turn-overrun")

	_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", PromptTokens: 5, MaxOutputTokens: 5})
	require.NoError(test, err)
	_, err = fixture.service.SettleChatTurn(ctx, ledger.SettleRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", TokensIn: 20, TokensOut: 30})
	require.NoError(test, err)

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(-40), wallet.TokenBalance)
	require.Equal(test, int64(0), wallet.HoldAmount)

	persisted, err := fixture.store.ListAlerts(ctx, ledger.AlertFilter{Type: ledger.AlertNegativeBalance, Severity: ledger.SeverityHigh})
	require.NoError(test, err)
	require.Len(test, persisted, 1)
}

func TestEngineMissingPriceRollsBack(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-unpriced", fx.USD, 1000)
	turnID := mustTurnID(test, "turn-unpriced")

	_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "acme", Model: "mystery", PromptTokens: 10, MaxOutputTokens: 10})
	require.NoError(test, err)
	_, err = fixture.service.SettleChatTurn(ctx, ledger.SettleRequest{UserID: userID, TurnID: turnID, Provider: "acme", Model: "mystery", TokensIn: 10, TokensOut: 10})
	require.ErrorIs(test, err, pricing.ErrNoPriceConfigured)
	require.True(test, ledger.IsConfigurationFault(err))

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(1000), wallet.TokenBalance)
	require.Equal(test, int64(20), wallet.HoldAmount)
}

func TestEngineCancelReleasesOnce(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-cancel", fx.USD, 1000)
	turnID := mustTurnID(test, "turn-cancel")

	_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{UserID: userID, TurnID: turnID, Provider: "openai", Model: "gpt-4o", PromptTokens: 100, MaxOutputTokens: 100})
	require.NoError(test, err)
	first, err := fixture.service.CancelChatHold(ctx, userID, turnID)
	require.NoError(test, err)
	require.Equal(test, ledger.CancelResult{ReleasedTokens: 200, HadHold: true}, first)
	second, err := fixture.service.CancelChatHold(ctx, userID, turnID)
	require.NoError(test, err)
	require.Equal(test, int64(200), second.ReleasedTokens)

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(0), wallet.HoldAmount)
	require.Equal(test, int64(1000), wallet.TokenBalance)

	open, err := fixture.store.ListOpenHolds(ctx, fixture.now.Add(time.Hour), 10)
	require.NoError(test, err)
	require.Empty(test, open)
}

func TestEngineConcurrentHoldsRespectSpendable(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test)
	ctx := context.Background()
	userID := fixture.provision(test, "user-busy", fx.USD, 500)

	var waitGroup sync.WaitGroup
	var mutex sync.Mutex
	succeeded := 0
	var unexpected []error
	turnIDs := make([]ledger.TurnID, 10)
	for index := range turnIDs {
		turnIDs[index] = mustTurnID(test, fmt.Sprintf("turn-%d", index))
	}
	for index := range turnIDs {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, err := fixture.service.StartHold(ctx, ledger.HoldRequest{
				UserID:          userID,
				TurnID:          turnIDs[index],
				Provider:        "openai",
				Model:           "gpt-4o",
				PromptTokens:    50,
				MaxOutputTokens: 50,
			})
			mutex.Lock()
			defer mutex.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrInsufficientTokensForHold):
			default:
				unexpected = append(unexpected, err)
			}
		}(index)
	}
	waitGroup.Wait()
	require.Empty(test, unexpected)
	require.Equal(test, 5, succeeded)

	wallet, err := fixture.store.GetWallet(ctx, userID)
	require.NoError(test, err)
	require.Equal(test, int64(500), wallet.HoldAmount)
}
