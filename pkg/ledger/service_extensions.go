package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
)

// CreditRequest describes a grant or refund credited to a wallet.
type CreditRequest struct {
	UserID       UserID
	AmountTokens int64
	Source       string
	RefID        string
	Metadata     MetadataJSON
}

// AdjustmentRequest describes a signed administrative correction.
type AdjustmentRequest struct {
	UserID      UserID
	DeltaTokens int64
	Source      string
	RefID       string
	Metadata    MetadataJSON
}

// WithDefaultCurrency sets the currency assigned to lazily created wallets.
func WithDefaultCurrency(currency fx.Currency) ServiceOption {
	return func(service *Service) {
		service.defaultCurrency = currency
	}
}

// ProvisionWallet creates a wallet with the given currency and credit limit.
// Provisioning an existing wallet returns it unchanged.
func (service *Service) ProvisionWallet(ctx context.Context, userID UserID, currency fx.Currency, creditLimit int64) (Wallet, error) {
	startedAt := time.Now()
	wallet, operationError := service.provisionWallet(ctx, userID, currency, creditLimit)
	service.logOperation(ctx, OperationLog{
		Operation: operationProvision,
		UserID:    userID,
		Tokens:    creditLimit,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	return wallet, operationError
}

func (service *Service) provisionWallet(ctx context.Context, userID UserID, currency fx.Currency, creditLimit int64) (Wallet, error) {
	if userID.String() == "" {
		return Wallet{}, WrapError(operationProvision, subjectRequest, CodeInvalidRequest, ErrInvalidUserID)
	}
	if creditLimit < 0 {
		return Wallet{}, WrapError(operationProvision, subjectRequest, CodeInvalidRequest, fmt.Errorf("%w: must be non-negative", ErrInvalidCreditLimit))
	}
	if _, err := fx.ParseCurrency(currency.String()); err != nil {
		return Wallet{}, WrapError(operationProvision, subjectRequest, CodeInvalidRequest, err)
	}
	now := service.nowFn()
	wallet, err := service.store.CreateWallet(ctx, Wallet{
		UserID:      userID.String(),
		CreditLimit: creditLimit,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, ErrWalletExists) {
		return service.store.GetWallet(ctx, userID)
	}
	return wallet, err
}

// Wallet returns the user's wallet, creating it lazily in the default currency.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, error) {
	if userID.String() == "" {
		return Wallet{}, WrapError(operationProvision, subjectRequest, CodeInvalidRequest, ErrInvalidUserID)
	}
	return service.store.GetOrCreateWallet(ctx, service.newWallet(userID))
}

// Grant credits purchased or promotional tokens. Replays with the same source
// and refID are no-ops.
func (service *Service) Grant(ctx context.Context, request CreditRequest) (Wallet, error) {
	return service.credit(ctx, operationGrant, EntryGrant, request)
}

// Refund returns tokens to a wallet.
func (service *Service) Refund(ctx context.Context, request CreditRequest) (Wallet, error) {
	return service.credit(ctx, operationRefund, EntryRefund, request)
}

func (service *Service) credit(ctx context.Context, operation string, entryType EntryType, request CreditRequest) (Wallet, error) {
	startedAt := time.Now()
	status := ""
	var wallet Wallet
	operationError := validateCredit(operation, request.UserID, request.Source, request.RefID)
	if operationError == nil && request.AmountTokens <= 0 {
		operationError = WrapError(operation, subjectRequest, CodeInvalidRequest, fmt.Errorf("%w: must be positive", ErrInvalidAmountTokens))
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			current, err := txStore.GetOrCreateWallet(ctx, service.newWallet(request.UserID))
			if err != nil {
				return err
			}
			var created bool
			wallet, created, err = service.applyEntry(ctx, txStore, Entry{
				UserID:       request.UserID.String(),
				Type:         entryType,
				AmountTokens: request.AmountTokens,
				Source:       strings.TrimSpace(request.Source),
				RefID:        strings.TrimSpace(request.RefID),
				Currency:     current.Currency,
				Meta:         request.Metadata,
				CreatedAt:    service.nowFn(),
			}, WalletDelta{TokenBalance: request.AmountTokens})
			if !created {
				status = operationStatusReplayed
			}
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    request.UserID,
		RefID:     request.RefID,
		Tokens:    request.AmountTokens,
		Status:    status,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	return wallet, operationError
}

// Adjust applies a signed correction to the token balance.
func (service *Service) Adjust(ctx context.Context, request AdjustmentRequest) (Wallet, error) {
	startedAt := time.Now()
	status := ""
	var wallet Wallet
	operationError := validateCredit(operationAdjust, request.UserID, request.Source, request.RefID)
	if operationError == nil && request.DeltaTokens == 0 {
		operationError = WrapError(operationAdjust, subjectRequest, CodeInvalidRequest, fmt.Errorf("%w: must be non-zero", ErrInvalidAmountTokens))
	}
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			current, err := txStore.GetOrCreateWallet(ctx, service.newWallet(request.UserID))
			if err != nil {
				return err
			}
			var created bool
			wallet, created, err = service.applyEntry(ctx, txStore, Entry{
				UserID:       request.UserID.String(),
				Type:         EntryAdjustment,
				AmountTokens: request.DeltaTokens,
				Source:       strings.TrimSpace(request.Source),
				RefID:        strings.TrimSpace(request.RefID),
				Currency:     current.Currency,
				Meta:         request.Metadata,
				CreatedAt:    service.nowFn(),
			}, WalletDelta{TokenBalance: request.DeltaTokens})
			if !created {
				status = operationStatusReplayed
			}
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    request.UserID,
		RefID:     request.RefID,
		Tokens:    request.DeltaTokens,
		Status:    status,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	return wallet, operationError
}

// ListEntries lists a user's ledger entries created before a cutoff, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, before time.Time, limit int) ([]Entry, error) {
	if userID.String() == "" {
		return nil, WrapError("list", subjectRequest, CodeInvalidRequest, ErrInvalidUserID)
	}
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	return service.store.ListEntries(ctx, userID, before, limit)
}

// applyEntry writes entry under the wallet lock and applies delta only when the entry is new.
func (service *Service) applyEntry(ctx context.Context, txStore Store, entry Entry, delta WalletDelta) (Wallet, bool, error) {
	userID, err := NewUserID(entry.UserID)
	if err != nil {
		return Wallet{}, false, err
	}
	locked, err := txStore.LockWallet(ctx, userID)
	if err != nil {
		return Wallet{}, false, err
	}
	_, created, err := txStore.InsertEntryIfAbsent(ctx, entry)
	if err != nil {
		return Wallet{}, false, err
	}
	if !created {
		return locked, false, nil
	}
	updated, err := txStore.IncrementWallet(ctx, userID, delta)
	if err != nil {
		return Wallet{}, false, err
	}
	return updated, true, nil
}

func (service *Service) newWallet(userID UserID) Wallet {
	now := service.nowFn()
	return Wallet{UserID: userID.String(), Currency: service.defaultCurrency, CreatedAt: now, UpdatedAt: now}
}

func validateCredit(operation string, userID UserID, source string, refID string) error {
	if userID.String() == "" {
		return WrapError(operation, subjectRequest, CodeInvalidRequest, ErrInvalidUserID)
	}
	if strings.TrimSpace(source) == "" {
		return WrapError(operation, subjectRequest, CodeInvalidRequest, fmt.Errorf("%w: empty value", ErrInvalidSource))
	}
	if strings.TrimSpace(refID) == "" {
		return WrapError(operation, subjectRequest, CodeInvalidRequest, fmt.Errorf("%w: empty value", ErrInvalidRefID))
	}
	return nil
}
