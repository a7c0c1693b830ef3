package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
)

// Service runs the hold/settle/cancel engine and wallet operations over a Store.
type Service struct {
	store            Store
	quoter           CostQuoter
	nowFn            func() time.Time
	logger           OperationLogger
	alerts           AlertRaiser
	maxTokensPerTurn int64
	defaultCurrency  fx.Currency
}

// HoldRequest reserves tokens for a chat turn before generation starts.
type HoldRequest struct {
	UserID          UserID
	TurnID          TurnID
	Provider        string
	Model           string
	PromptTokens    int64
	MaxOutputTokens int64
}

// HoldResult reports the reserved amount and the wallet state after the hold.
type HoldResult struct {
	HoldTokens    int64
	WalletBalance int64
	HoldAmount    int64
}

// SettleRequest charges the actual consumption of a chat turn.
type SettleRequest struct {
	UserID         UserID
	TurnID         TurnID
	Provider       string
	Model          string
	ConversationID string
	TokensIn       int64
	TokensOut      int64
	LatencyMs      *int64
}

// SettleResult reports the outcome of a settlement. Replays return the stored result.
type SettleResult struct {
	HoldTokens     int64
	SpentTokens    int64
	ReleasedTokens int64
	FinalCostCents int64
}

// CancelResult reports a released hold.
type CancelResult struct {
	ReleasedTokens int64
	HadHold        bool
}

type holdMeta struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"promptTokens"`
	MaxOutputTokens  int64  `json:"maxOutputTokens"`
	CapExceeded      bool   `json:"capExceeded,omitempty"`
	MaxTokensPerTurn int64  `json:"maxTokensPerTurn,omitempty"`
}

type settleMeta struct {
	ConversationID string      `json:"conversationId,omitempty"`
	TokensIn       int64       `json:"tokensIn"`
	TokensOut      int64       `json:"tokensOut"`
	HoldTokens     int64       `json:"holdTokens"`
	ReleasedTokens int64       `json:"releasedTokens"`
	FinalCostCents int64       `json:"finalCostCents"`
	PriceCurrency  fx.Currency `json:"priceCurrency"`
	NeedsFx        bool        `json:"needsFx,omitempty"`
}

type releaseMeta struct {
	Reason     string `json:"reason"`
	HoldTokens int64  `json:"holdTokens"`
}

// NewService wires a Service.
func NewService(store Store, quoter CostQuoter, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if quoter == nil {
		return nil, fmt.Errorf("%w: cost quoter dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, quoter: quoter, nowFn: now, defaultCurrency: fx.USD}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.maxTokensPerTurn < 0 {
		return nil, fmt.Errorf("%w: max tokens per turn must be non-negative", ErrInvalidServiceConfig)
	}
	if _, err := fx.ParseCurrency(service.defaultCurrency.String()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, err)
	}
	return service, nil
}

// StartHold reserves max(1, prompt+maxOutput) tokens for a turn. A repeated call
// for the same turn returns the existing hold. When the wallet cannot cover the
// hold an insufficient_tokens alert is committed and ErrInsufficientTokensForHold
// is returned. The cap_exceeded alert is raised together with the hold entry that
// records it, so rejected retries of an over-cap turn never add another.
func (service *Service) StartHold(ctx context.Context, request HoldRequest) (HoldResult, error) {
	startedAt := time.Now()
	required := request.PromptTokens + request.MaxOutputTokens
	if required < minimumHoldTokens {
		required = minimumHoldTokens
	}
	capExceeded := service.maxTokensPerTurn > 0 && required > service.maxTokensPerTurn
	refID := request.TurnID.ChatRefID()
	status := ""

	var result HoldResult
	var rejection error
	operationError := service.validateTurn(operationHold, request.UserID, request.TurnID)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, request.UserID)
			if err != nil {
				return err
			}
			existing, found, err := txStore.FindEntry(ctx, EntryKey{UserID: request.UserID.String(), Type: EntryHold, Source: SourceChatTurn, RefID: refID})
			if err != nil {
				return err
			}
			if found {
				status = operationStatusReplayed
				if capExceeded {
					if err := service.flagCapExceeded(ctx, txStore, existing, request, required); err != nil {
						return err
					}
				}
				result = HoldResult{HoldTokens: existing.AmountTokens, WalletBalance: wallet.TokenBalance, HoldAmount: wallet.HoldAmount}
				return nil
			}
			if wallet.Spendable() < required {
				if err := service.raiseAlert(ctx, txStore, AlertInput{
					Type:     AlertInsufficientTokens,
					Severity: SeverityMedium,
					UserID:   request.UserID.String(),
					Meta: map[string]any{
						"turnId":       request.TurnID.String(),
						"required":     required,
						"spendable":    wallet.Spendable(),
						"tokenBalance": wallet.TokenBalance,
						"holdAmount":   wallet.HoldAmount,
						"creditLimit":  wallet.CreditLimit,
						"capExceeded":  capExceeded,
					},
				}); err != nil {
					return err
				}
				status = operationStatusRejected
				rejection = WrapError(operationHold, subjectWallet, CodeInsufficientTokensForHold,
					fmt.Errorf("%w: required=%d spendable=%d", ErrInsufficientTokensForHold, required, wallet.Spendable()))
				result = HoldResult{WalletBalance: wallet.TokenBalance, HoldAmount: wallet.HoldAmount}
				return nil
			}
			meta, err := MarshalMetadata(holdMeta{
				Provider:         request.Provider,
				Model:            request.Model,
				PromptTokens:     request.PromptTokens,
				MaxOutputTokens:  request.MaxOutputTokens,
				CapExceeded:      capExceeded,
				MaxTokensPerTurn: service.capForMeta(capExceeded),
			})
			if err != nil {
				return err
			}
			stored, created, err := txStore.InsertEntryIfAbsent(ctx, Entry{
				UserID:       request.UserID.String(),
				Type:         EntryHold,
				AmountTokens: required,
				Source:       SourceChatTurn,
				RefID:        refID,
				Provider:     request.Provider,
				Model:        request.Model,
				Currency:     wallet.Currency,
				Meta:         meta,
				CreatedAt:    service.nowFn(),
			})
			if err != nil {
				return err
			}
			if !created {
				status = operationStatusReplayed
				result = HoldResult{HoldTokens: stored.AmountTokens, WalletBalance: wallet.TokenBalance, HoldAmount: wallet.HoldAmount}
				return nil
			}
			if capExceeded {
				if err := service.raiseCapExceeded(ctx, txStore, request, required); err != nil {
					return err
				}
			}
			updated, err := txStore.IncrementWallet(ctx, request.UserID, WalletDelta{HoldAmount: required})
			if err != nil {
				return err
			}
			result = HoldResult{HoldTokens: required, WalletBalance: updated.TokenBalance, HoldAmount: updated.HoldAmount}
			return nil
		})
		operationError = classifyError(operationHold, operationError)
	}
	if operationError == nil && rejection != nil {
		operationError = rejection
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationHold,
		UserID:    request.UserID,
		TurnID:    request.TurnID,
		RefID:     refID,
		Tokens:    required,
		Status:    status,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	if operationError != nil {
		return HoldResult{}, operationError
	}
	return result, nil
}

// SettleChatTurn converts the turn's hold into a spend of tokensIn+tokensOut,
// releases the held amount and upserts the usage record. Settling without a
// prior hold charges the spend and releases nothing; holds placed by other turns
// are never touched. Replays return the result stored with the first settlement.
func (service *Service) SettleChatTurn(ctx context.Context, request SettleRequest) (SettleResult, error) {
	startedAt := time.Now()
	tokensIn := clampTokens(request.TokensIn)
	tokensOut := clampTokens(request.TokensOut)
	total := tokensIn + tokensOut
	refID := request.TurnID.ChatRefID()
	status := ""

	var result SettleResult
	operationError := service.validateTurn(operationSettle, request.UserID, request.TurnID)
	if operationError == nil {
		operationError = service.settle(ctx, request, tokensIn, tokensOut, &result, &status)
		operationError = classifyError(operationSettle, operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		UserID:    request.UserID,
		TurnID:    request.TurnID,
		RefID:     refID,
		Tokens:    total,
		Status:    status,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	if operationError != nil {
		return SettleResult{}, operationError
	}
	return result, nil
}

func (service *Service) settle(ctx context.Context, request SettleRequest, tokensIn int64, tokensOut int64, result *SettleResult, status *string) error {
	total := tokensIn + tokensOut
	refID := request.TurnID.ChatRefID()
	spendKey := EntryKey{UserID: request.UserID.String(), Type: EntrySpend, Source: SourceChatTurn, RefID: refID}

	wallet, err := service.store.GetWallet(ctx, request.UserID)
	if err != nil {
		return err
	}
	if existing, found, err := service.store.FindEntry(ctx, spendKey); err != nil {
		return err
	} else if found {
		*status = operationStatusReplayed
		*result, err = decodeSettleResult(existing)
		return err
	}

	quote, err := service.quoter.Quote(ctx, pricing.QuoteRequest{
		Provider:  request.Provider,
		Model:     request.Model,
		Currency:  wallet.Currency,
		At:        service.nowFn(),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	})
	if err != nil {
		return WrapError(operationSettle, subjectPrice, ErrorCode(err), err)
	}

	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		wallet, err := txStore.LockWallet(ctx, request.UserID)
		if err != nil {
			return err
		}
		if existing, found, err := txStore.FindEntry(ctx, spendKey); err != nil {
			return err
		} else if found {
			*status = operationStatusReplayed
			*result, err = decodeSettleResult(existing)
			return err
		}
		hold, holdFound, err := txStore.FindEntry(ctx, EntryKey{UserID: request.UserID.String(), Type: EntryHold, Source: SourceChatTurn, RefID: refID})
		if err != nil {
			return err
		}
		_, releaseFound, err := txStore.FindEntry(ctx, EntryKey{UserID: request.UserID.String(), Type: EntryHoldRelease, Source: SourceChatTurn, RefID: refID})
		if err != nil {
			return err
		}
		holdTokens := total
		if holdFound {
			holdTokens = hold.AmountTokens
		}
		var released int64
		if holdFound && !releaseFound {
			released = minTokens(holdTokens, wallet.HoldAmount)
		}

		now := service.nowFn()
		meta, err := MarshalMetadata(settleMeta{
			ConversationID: request.ConversationID,
			TokensIn:       tokensIn,
			TokensOut:      tokensOut,
			HoldTokens:     holdTokens,
			ReleasedTokens: released,
			FinalCostCents: quote.CostCents,
			PriceCurrency:  quote.Price.Currency,
			NeedsFx:        quote.Price.NeedsFx,
		})
		if err != nil {
			return err
		}
		spend, created, err := txStore.InsertEntryIfAbsent(ctx, Entry{
			UserID:          request.UserID.String(),
			Type:            EntrySpend,
			AmountTokens:    total,
			Source:          SourceChatTurn,
			RefID:           refID,
			Provider:        request.Provider,
			Model:           request.Model,
			Currency:        wallet.Currency,
			AmountFiatCents: quote.CostCents,
			Meta:            meta,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}
		if !created {
			*status = operationStatusReplayed
			*result, err = decodeSettleResult(spend)
			return err
		}
		// A cancel or expiry that ran first already returned the hold.
		if !releaseFound {
			if _, _, err := service.insertRelease(ctx, txStore, request.UserID, wallet.Currency, refID, released, releaseMeta{Reason: releaseReasonSettled, HoldTokens: holdTokens}); err != nil {
				return err
			}
		}
		updated, err := txStore.IncrementWallet(ctx, request.UserID, WalletDelta{TokenBalance: -total, HoldAmount: -released})
		if err != nil {
			return err
		}
		costCents := quote.CostCents
		if _, err := txStore.UpsertUsageRecord(ctx, UsageRecord{
			UserID:         request.UserID.String(),
			ConversationID: request.ConversationID,
			TurnID:         request.TurnID.String(),
			Provider:       request.Provider,
			Model:          request.Model,
			TokensIn:       tokensIn,
			TokensOut:      tokensOut,
			TotalTokens:    total,
			FinalCostCents: &costCents,
			Currency:       wallet.Currency,
			LatencyMs:      request.LatencyMs,
			Status:         UsageStatusSettled,
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		if updated.TokenBalance < 0 {
			if err := service.raiseAlert(ctx, txStore, AlertInput{
				Type:     AlertNegativeBalance,
				Severity: SeverityHigh,
				UserID:   request.UserID.String(),
				Meta: map[string]any{
					"turnId":       request.TurnID.String(),
					"tokenBalance": updated.TokenBalance,
					"spentTokens":  total,
				},
			}); err != nil {
				return err
			}
		}
		*result = SettleResult{HoldTokens: holdTokens, SpentTokens: total, ReleasedTokens: released, FinalCostCents: quote.CostCents}
		return nil
	})
}

// CancelChatHold releases an abandoned turn's hold. It is a no-op when no hold
// exists and returns the earlier release when one was already written.
func (service *Service) CancelChatHold(ctx context.Context, userID UserID, turnID TurnID) (CancelResult, error) {
	return service.releaseHold(ctx, operationCancel, releaseReasonCancelled, userID, turnID)
}

// ExpireChatHold releases a hold whose turn never settled.
func (service *Service) ExpireChatHold(ctx context.Context, userID UserID, turnID TurnID) (CancelResult, error) {
	return service.releaseHold(ctx, operationExpire, releaseReasonExpired, userID, turnID)
}

func (service *Service) releaseHold(ctx context.Context, operation string, reason string, userID UserID, turnID TurnID) (CancelResult, error) {
	startedAt := time.Now()
	refID := turnID.ChatRefID()
	status := ""
	var result CancelResult
	operationError := service.validateTurn(operation, userID, turnID)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.LockWallet(ctx, userID)
			if err != nil {
				return err
			}
			hold, found, err := txStore.FindEntry(ctx, EntryKey{UserID: userID.String(), Type: EntryHold, Source: SourceChatTurn, RefID: refID})
			if err != nil {
				return err
			}
			if !found {
				status = operationStatusReplayed
				result = CancelResult{}
				return nil
			}
			released := minTokens(hold.AmountTokens, wallet.HoldAmount)
			stored, created, err := service.insertRelease(ctx, txStore, userID, wallet.Currency, refID, released, releaseMeta{Reason: reason, HoldTokens: hold.AmountTokens})
			if err != nil {
				return err
			}
			if !created {
				status = operationStatusReplayed
				result = CancelResult{ReleasedTokens: stored.AmountTokens, HadHold: true}
				return nil
			}
			if _, err := txStore.IncrementWallet(ctx, userID, WalletDelta{HoldAmount: -released}); err != nil {
				return err
			}
			result = CancelResult{ReleasedTokens: released, HadHold: true}
			return nil
		})
		operationError = classifyError(operation, operationError)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		TurnID:    turnID,
		RefID:     refID,
		Tokens:    result.ReleasedTokens,
		Status:    status,
		Error:     operationError,
		Duration:  time.Since(startedAt),
	})
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

func (service *Service) insertRelease(ctx context.Context, txStore Store, userID UserID, currency fx.Currency, refID string, amount int64, meta releaseMeta) (Entry, bool, error) {
	encoded, err := MarshalMetadata(meta)
	if err != nil {
		return Entry{}, false, err
	}
	return txStore.InsertEntryIfAbsent(ctx, Entry{
		UserID:       userID.String(),
		Type:         EntryHoldRelease,
		AmountTokens: amount,
		Source:       SourceChatTurn,
		RefID:        refID,
		Currency:     currency,
		Meta:         encoded,
		CreatedAt:    service.nowFn(),
	})
}

func (service *Service) raiseCapExceeded(ctx context.Context, scope AlertScope, request HoldRequest, required int64) error {
	return service.raiseAlert(ctx, scope, AlertInput{
		Type:     AlertCapExceeded,
		Severity: SeverityMedium,
		UserID:   request.UserID.String(),
		Meta: map[string]any{
			"turnId":           request.TurnID.String(),
			"required":         required,
			"maxTokensPerTurn": service.maxTokensPerTurn,
		},
	})
}

// flagCapExceeded marks an existing hold and alerts once per turn.
func (service *Service) flagCapExceeded(ctx context.Context, txStore Store, hold Entry, request HoldRequest, required int64) error {
	var meta holdMeta
	if err := hold.Meta.Decode(&meta); err != nil {
		return err
	}
	if meta.CapExceeded {
		return nil
	}
	meta.CapExceeded = true
	meta.MaxTokensPerTurn = service.maxTokensPerTurn
	encoded, err := MarshalMetadata(meta)
	if err != nil {
		return err
	}
	if err := txStore.UpdateEntryMeta(ctx, hold.EntryID, encoded); err != nil {
		return err
	}
	return service.raiseCapExceeded(ctx, txStore, request, required)
}

func (service *Service) capForMeta(capExceeded bool) int64 {
	if !capExceeded {
		return 0
	}
	return service.maxTokensPerTurn
}

func (service *Service) raiseAlert(ctx context.Context, scope AlertScope, input AlertInput) error {
	if service.alerts == nil {
		return nil
	}
	_, err := service.alerts.CreateSystemAlert(ctx, scope, input)
	return err
}

func (service *Service) validateTurn(operation string, userID UserID, turnID TurnID) error {
	if userID.String() == "" {
		return WrapError(operation, subjectRequest, CodeInvalidRequest, ErrInvalidUserID)
	}
	if turnID.String() == "" {
		return WrapError(operation, subjectRequest, CodeInvalidRequest, ErrInvalidTurnID)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Error != nil {
		if IsCallerRecoverable(entry.Error) {
			entry.Status = operationStatusRejected
		} else {
			entry.Status = operationStatusError
		}
	} else if entry.Status == "" {
		entry.Status = operationStatusOK
	}
	service.logger.LogOperation(ctx, entry)
}

func decodeSettleResult(spend Entry) (SettleResult, error) {
	var meta settleMeta
	if err := spend.Meta.Decode(&meta); err != nil {
		return SettleResult{}, err
	}
	return SettleResult{
		HoldTokens:     meta.HoldTokens,
		SpentTokens:    spend.AmountTokens,
		ReleasedTokens: meta.ReleasedTokens,
		FinalCostCents: spend.AmountFiatCents,
	}, nil
}

// classifyError attaches the stable code for known failures, keeping store codes otherwise.
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if IsIntegrityFault(err) {
		return WrapError(operation, subjectWallet, CodeWalletNotFound, err)
	}
	return err
}

func clampTokens(tokens int64) int64 {
	if tokens < 0 {
		return 0
	}
	return tokens
}

func minTokens(first int64, second int64) int64 {
	result := min(first, second)
	if result < 0 {
		return 0
	}
	return result
}
