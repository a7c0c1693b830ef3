package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
)

const errorMismatchMessage = "expected error %v, got %v"

func TestGrantIsIdempotentPerSourceAndRef(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recorderLogger{}
	service := mustNewService(test, store, newFixedQuoter(), WithOperationLogger(logger))
	request := CreditRequest{UserID: mustUserID(test, "user-1"), AmountTokens: 500, Source: "stripe", RefID: "pi_123"}

	wallet, err := service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if wallet.TokenBalance != 500 || wallet.Currency != fx.USD {
		test.Fatalf("unexpected wallet: %+v", wallet)
	}
	if entry := logger.last(test); entry.Status != operationStatusOK || entry.Tokens != 500 {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	wallet, err = service.Grant(context.Background(), request)
	if err != nil {
		test.Fatalf("replayed grant: %v", err)
	}
	if wallet.TokenBalance != 500 {
		test.Fatalf("replay must not credit twice, got %d", wallet.TokenBalance)
	}
	if entry := logger.last(test); entry.Status != operationStatusReplayed {
		test.Fatalf("expected replayed status, got %+v", entry)
	}
}

func TestRefundAndAdjust(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedWallet(Wallet{UserID: "user-1", TokenBalance: 100, Currency: fx.EUR})
	service := mustNewService(test, store, newFixedQuoter())
	ctx := context.Background()
	userID := mustUserID(test, "user-1")

	if _, err := service.Refund(ctx, CreditRequest{UserID: userID, AmountTokens: 25, Source: "support", RefID: "ticket-9"}); err != nil {
		test.Fatalf("refund: %v", err)
	}
	wallet, err := service.Adjust(ctx, AdjustmentRequest{UserID: userID, DeltaTokens: -40, Source: "admin", RefID: "fix-1"})
	if err != nil {
		test.Fatalf("adjust: %v", err)
	}
	if wallet.TokenBalance != 85 || wallet.Currency != fx.EUR {
		test.Fatalf("unexpected wallet: %+v", wallet)
	}
	adjustments := store.entriesOfType(EntryAdjustment)
	if len(adjustments) != 1 || adjustments[0].AmountTokens != -40 {
		test.Fatalf("expected signed adjustment entry, got %+v", adjustments)
	}
}

func TestCreditValidation(test *testing.T) {
	test.Parallel()
	service := mustNewService(test, newStubStore(test), newFixedQuoter())
	userID := mustUserID(test, "user-1")
	testCases := []struct {
		name          string
		operation     func() error
		expectedError error
	}{
		{
			name: "zero grant",
			operation: func() error {
				_, err := service.Grant(context.Background(), CreditRequest{UserID: userID, AmountTokens: 0, Source: "s", RefID: "r"})
				return err
			},
			expectedError: ErrInvalidAmountTokens,
		},
		{
			name: "missing source",
			operation: func() error {
				_, err := service.Refund(context.Background(), CreditRequest{UserID: userID, AmountTokens: 5, RefID: "r"})
				return err
			},
			expectedError: ErrInvalidSource,
		},
		{
			name: "missing ref",
			operation: func() error {
				_, err := service.Grant(context.Background(), CreditRequest{UserID: userID, AmountTokens: 5, Source: "s"})
				return err
			},
			expectedError: ErrInvalidRefID,
		},
		{
			name: "zero adjustment",
			operation: func() error {
				_, err := service.Adjust(context.Background(), AdjustmentRequest{UserID: userID, Source: "s", RefID: "r"})
				return err
			},
			expectedError: ErrInvalidAmountTokens,
		},
		{
			name: "missing user",
			operation: func() error {
				_, err := service.Grant(context.Background(), CreditRequest{AmountTokens: 5, Source: "s", RefID: "r"})
				return err
			},
			expectedError: ErrInvalidUserID,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := testCase.operation()
			if !errors.Is(err, testCase.expectedError) {
				test.Fatalf(errorMismatchMessage, testCase.expectedError, err)
			}
			if ErrorCode(err) != CodeInvalidRequest {
				test.Fatalf("expected invalid request code, got %s", ErrorCode(err))
			}
		})
	}
}

func TestProvisionWalletReturnsExisting(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newFixedQuoter())
	userID := mustUserID(test, "user-1")

	created, err := service.ProvisionWallet(context.Background(), userID, fx.GBP, 250)
	if err != nil {
		test.Fatalf("provision: %v", err)
	}
	again, err := service.ProvisionWallet(context.Background(), userID, fx.EUR, 999)
	if err != nil {
		test.Fatalf("second provision: %v", err)
	}
	if created.Currency != fx.GBP || again.Currency != fx.GBP || again.CreditLimit != 250 {
		test.Fatalf("expected original wallet, got %+v then %+v", created, again)
	}
	if _, err := service.ProvisionWallet(context.Background(), mustUserID(test, "user-2"), fx.Currency("JPY"), 0); !errors.Is(err, fx.ErrUnsupportedCurrency) {
		test.Fatalf(errorMismatchMessage, fx.ErrUnsupportedCurrency, err)
	}
	if _, err := service.ProvisionWallet(context.Background(), mustUserID(test, "user-2"), fx.USD, -1); !errors.Is(err, ErrInvalidCreditLimit) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCreditLimit, err)
	}
}

func TestWalletCreatesLazilyInDefaultCurrency(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newFixedQuoter(), WithDefaultCurrency(fx.EUR))

	wallet, err := service.Wallet(context.Background(), mustUserID(test, "fresh"))
	if err != nil {
		test.Fatalf("wallet: %v", err)
	}
	if wallet.Currency != fx.EUR || wallet.TokenBalance != 0 {
		test.Fatalf("unexpected lazily created wallet: %+v", wallet)
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := fixedNow
	service, err := NewService(store, newFixedQuoter(), func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	userID := mustUserID(test, "user-1")
	for _, refID := range []string{"a", "b", "c"} {
		if _, err := service.Grant(context.Background(), CreditRequest{UserID: userID, AmountTokens: 1, Source: "promo", RefID: refID}); err != nil {
			test.Fatalf("grant %s: %v", refID, err)
		}
	}
	entries, err := service.ListEntries(context.Background(), userID, time.Time{}, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].RefID != "c" || entries[1].RefID != "b" {
		test.Fatalf("unexpected entries: %+v", entries)
	}
}
