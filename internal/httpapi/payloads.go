package httpapi

import (
	"encoding/json"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
)

type holdRequest struct {
	UserID          string `json:"user_id"`
	TurnID          string `json:"turn_id"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	PromptTokens    int64  `json:"prompt_tokens"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
}

type settleRequest struct {
	UserID         string `json:"user_id"`
	TurnID         string `json:"turn_id"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
	TokensIn       int64  `json:"tokens_in"`
	TokensOut      int64  `json:"tokens_out"`
	LatencyMs      *int64 `json:"latency_ms"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
	TurnID string `json:"turn_id"`
}

type provisionRequest struct {
	Currency    string `json:"currency"`
	CreditLimit int64  `json:"credit_limit"`
}

type creditRequest struct {
	AmountTokens int64          `json:"amount_tokens"`
	Source       string         `json:"source"`
	RefID        string         `json:"ref_id"`
	Metadata     map[string]any `json:"metadata"`
}

type adjustmentRequest struct {
	DeltaTokens int64          `json:"delta_tokens"`
	Source      string         `json:"source"`
	RefID       string         `json:"ref_id"`
	Metadata    map[string]any `json:"metadata"`
}

type holdResponse struct {
	HoldTokens    int64 `json:"hold_tokens"`
	WalletBalance int64 `json:"wallet_balance"`
	HoldAmount    int64 `json:"hold_amount"`
}

type settleResponse struct {
	HoldTokens     int64 `json:"hold_tokens"`
	SpentTokens    int64 `json:"spent_tokens"`
	ReleasedTokens int64 `json:"released_tokens"`
	FinalCostCents int64 `json:"final_cost_cents"`
}

type cancelResponse struct {
	ReleasedTokens int64 `json:"released_tokens"`
	HadHold        bool  `json:"had_hold"`
}

type walletPayload struct {
	UserID       string `json:"user_id"`
	TokenBalance int64  `json:"token_balance"`
	HoldAmount   int64  `json:"hold_amount"`
	CreditLimit  int64  `json:"credit_limit"`
	Spendable    int64  `json:"spendable"`
	Currency     string `json:"currency"`
	UpdatedAt    string `json:"updated_at"`
}

type entryPayload struct {
	EntryID         string          `json:"entry_id"`
	Type            string          `json:"type"`
	AmountTokens    int64           `json:"amount_tokens"`
	Source          string          `json:"source"`
	RefID           string          `json:"ref_id"`
	Provider        string          `json:"provider,omitempty"`
	Model           string          `json:"model,omitempty"`
	Currency        string          `json:"currency,omitempty"`
	AmountFiatCents int64           `json:"amount_fiat_cents"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type alertPayload struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Severity       string          `json:"severity"`
	UserID         string          `json:"user_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	AcknowledgedAt *string         `json:"acknowledged_at"`
	CreatedAt      string          `json:"created_at"`
}

type pricePayload struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Currency         string `json:"currency"`
	InputPer1kCents  string `json:"input_per_1k_cents"`
	OutputPer1kCents string `json:"output_per_1k_cents"`
	NeedsFx          bool   `json:"needs_fx"`
	EffectiveFrom    string `json:"effective_from"`
}

type conversionPayload struct {
	AmountCents    int64  `json:"amount_cents"`
	From           string `json:"from"`
	To             string `json:"to"`
	ConvertedCents int64  `json:"converted_cents"`
}

func toWalletPayload(wallet ledger.Wallet) walletPayload {
	return walletPayload{
		UserID:       wallet.UserID,
		TokenBalance: wallet.TokenBalance,
		HoldAmount:   wallet.HoldAmount,
		CreditLimit:  wallet.CreditLimit,
		Spendable:    wallet.Spendable(),
		Currency:     wallet.Currency.String(),
		UpdatedAt:    formatTime(wallet.UpdatedAt),
	}
}

func toEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:         entry.EntryID,
		Type:            entry.Type.String(),
		AmountTokens:    entry.AmountTokens,
		Source:          entry.Source,
		RefID:           entry.RefID,
		Provider:        entry.Provider,
		Model:           entry.Model,
		Currency:        entry.Currency.String(),
		AmountFiatCents: entry.AmountFiatCents,
		Metadata:        json.RawMessage(entry.Meta.String()),
		CreatedUnixUTC:  entry.CreatedAt.UTC().Unix(),
	}
}

func toAlertPayload(alert ledger.Alert) alertPayload {
	payload := alertPayload{
		ID:        alert.ID,
		Type:      string(alert.Type),
		Severity:  string(alert.Severity),
		UserID:    alert.UserID,
		Metadata:  json.RawMessage(alert.Meta.String()),
		CreatedAt: formatTime(alert.CreatedAt),
	}
	if alert.AcknowledgedAt != nil {
		acknowledgedAt := formatTime(*alert.AcknowledgedAt)
		payload.AcknowledgedAt = &acknowledgedAt
	}
	return payload
}

func toPricePayload(price pricing.ActivePrice) pricePayload {
	return pricePayload{
		Provider:         price.Provider,
		Model:            price.Model,
		Currency:         price.Currency.String(),
		InputPer1kCents:  price.InputPer1kCents.String(),
		OutputPer1kCents: price.OutputPer1kCents.String(),
		NeedsFx:          price.NeedsFx,
		EffectiveFrom:    formatTime(price.EffectiveFrom),
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
