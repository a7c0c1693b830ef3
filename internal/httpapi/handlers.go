package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500

	codeInvalidPayload = "INVALID_PAYLOAD"
	codeAlertNotFound  = "ALERT_NOT_FOUND"
)

type httpHandler struct {
	logger    *zap.Logger
	engine    Engine
	alerts    Alerts
	prices    pricing.PriceLookup
	converter pricing.CurrencyConverter
	timeout   time.Duration
}

func (handler *httpHandler) handleStartHold(ctx *gin.Context) {
	var request holdRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	userID, turnID, ok := parseTurn(ctx, request.UserID, request.TurnID)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.engine.StartHold(requestCtx, ledger.HoldRequest{
		UserID:          userID,
		TurnID:          turnID,
		Provider:        request.Provider,
		Model:           request.Model,
		PromptTokens:    request.PromptTokens,
		MaxOutputTokens: request.MaxOutputTokens,
	})
	if err != nil {
		handler.respondError(ctx, "hold", err)
		return
	}
	ctx.JSON(http.StatusOK, holdResponse{
		HoldTokens:    result.HoldTokens,
		WalletBalance: result.WalletBalance,
		HoldAmount:    result.HoldAmount,
	})
}

func (handler *httpHandler) handleSettle(ctx *gin.Context) {
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	userID, turnID, ok := parseTurn(ctx, request.UserID, request.TurnID)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.engine.SettleChatTurn(requestCtx, ledger.SettleRequest{
		UserID:         userID,
		TurnID:         turnID,
		Provider:       request.Provider,
		Model:          request.Model,
		ConversationID: request.ConversationID,
		TokensIn:       request.TokensIn,
		TokensOut:      request.TokensOut,
		LatencyMs:      request.LatencyMs,
	})
	if err != nil {
		handler.respondError(ctx, "settle", err)
		return
	}
	ctx.JSON(http.StatusOK, settleResponse{
		HoldTokens:     result.HoldTokens,
		SpentTokens:    result.SpentTokens,
		ReleasedTokens: result.ReleasedTokens,
		FinalCostCents: result.FinalCostCents,
	})
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	var request cancelRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	userID, turnID, ok := parseTurn(ctx, request.UserID, request.TurnID)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.engine.CancelChatHold(requestCtx, userID, turnID)
	if err != nil {
		handler.respondError(ctx, "cancel", err)
		return
	}
	ctx.JSON(http.StatusOK, cancelResponse{ReleasedTokens: result.ReleasedTokens, HadHold: result.HadHold})
}

func (handler *httpHandler) handleProvisionWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request provisionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	currency, err := fx.ParseCurrency(request.Currency)
	if err != nil {
		handler.respondError(ctx, "provision", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.engine.ProvisionWallet(requestCtx, userID, currency, request.CreditLimit)
	if err != nil {
		handler.respondError(ctx, "provision", err)
		return
	}
	ctx.JSON(http.StatusOK, toWalletPayload(wallet))
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.engine.Wallet(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet", err)
		return
	}
	ctx.JSON(http.StatusOK, toWalletPayload(wallet))
}

func (handler *httpHandler) handleListEntries(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit", defaultEntriesLimit)
	if err != nil || limit <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "limit must be a positive integer"))
		return
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	var before time.Time
	if raw := ctx.Query("before"); raw != "" {
		beforeUnix, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "before must be unix seconds"))
			return
		}
		before = time.Unix(beforeUnix, 0).UTC()
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.engine.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, "list_entries", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, toEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	handler.handleCredit(ctx, "grant", handler.engine.Grant)
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	handler.handleCredit(ctx, "refund", handler.engine.Refund)
}

func (handler *httpHandler) handleCredit(ctx *gin.Context, operation string, apply func(context.Context, ledger.CreditRequest) (ledger.Wallet, error)) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request creditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	metadata, err := ledger.MarshalMetadata(request.Metadata)
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := apply(requestCtx, ledger.CreditRequest{
		UserID:       userID,
		AmountTokens: request.AmountTokens,
		Source:       request.Source,
		RefID:        request.RefID,
		Metadata:     metadata,
	})
	if err != nil {
		handler.respondError(ctx, operation, err)
		return
	}
	ctx.JSON(http.StatusOK, toWalletPayload(wallet))
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	userID, ok := pathUserID(ctx)
	if !ok {
		return
	}
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return
	}
	metadata, err := ledger.MarshalMetadata(request.Metadata)
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.engine.Adjust(requestCtx, ledger.AdjustmentRequest{
		UserID:      userID,
		DeltaTokens: request.DeltaTokens,
		Source:      request.Source,
		RefID:       request.RefID,
		Metadata:    metadata,
	})
	if err != nil {
		handler.respondError(ctx, "adjust", err)
		return
	}
	ctx.JSON(http.StatusOK, toWalletPayload(wallet))
}

func (handler *httpHandler) handleListAlerts(ctx *gin.Context) {
	filter := ledger.AlertFilter{
		Type:     ledger.AlertType(ctx.Query("type")),
		Severity: ledger.Severity(ctx.Query("severity")),
		UserID:   strings.TrimSpace(ctx.Query("user_id")),
	}
	var err error
	if filter.Since, err = queryTime(ctx, "since"); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "since must be RFC3339"))
		return
	}
	if filter.Until, err = queryTime(ctx, "until"); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "until must be RFC3339"))
		return
	}
	if raw := ctx.Query("unacknowledged"); raw != "" {
		if filter.Unacknowledged, err = strconv.ParseBool(raw); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "unacknowledged must be a boolean"))
			return
		}
	}
	if filter.Limit, err = queryInt(ctx, "limit", 0); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "limit must be an integer"))
		return
	}
	if filter.Offset, err = queryInt(ctx, "offset", 0); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "offset must be an integer"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	alerts, err := handler.alerts.ListAlerts(requestCtx, filter)
	if err != nil {
		handler.respondError(ctx, "list_alerts", err)
		return
	}
	payload := make([]alertPayload, 0, len(alerts))
	for _, alert := range alerts {
		payload = append(payload, toAlertPayload(alert))
	}
	ctx.JSON(http.StatusOK, gin.H{"alerts": payload})
}

func (handler *httpHandler) handleAcknowledgeAlert(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	alert, err := handler.alerts.Acknowledge(requestCtx, ctx.Param("alertId"))
	if err != nil {
		handler.respondError(ctx, "acknowledge_alert", err)
		return
	}
	ctx.JSON(http.StatusOK, toAlertPayload(alert))
}

func (handler *httpHandler) handleActivePrice(ctx *gin.Context) {
	provider := strings.TrimSpace(ctx.Query("provider"))
	model := strings.TrimSpace(ctx.Query("model"))
	if provider == "" || model == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "provider and model are required"))
		return
	}
	currency, err := fx.ParseCurrency(ctx.DefaultQuery("currency", fx.USD.String()))
	if err != nil {
		handler.respondError(ctx, "active_price", err)
		return
	}
	at, err := queryTime(ctx, "at")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "at must be RFC3339"))
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	price, err := handler.prices.GetActivePrice(requestCtx, provider, model, currency, at)
	if errors.Is(err, pricing.ErrNoPriceConfigured) {
		ctx.JSON(http.StatusNotFound, errorResponse(ledger.CodePriceNotConfigured, "no price configured"))
		return
	}
	if err != nil {
		handler.respondError(ctx, "active_price", err)
		return
	}
	ctx.JSON(http.StatusOK, toPricePayload(price))
}

func (handler *httpHandler) handleConvert(ctx *gin.Context) {
	amountCents, err := strconv.ParseInt(ctx.Query("amount_cents"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, "amount_cents must be an integer"))
		return
	}
	from, err := fx.ParseCurrency(ctx.Query("from"))
	if err != nil {
		handler.respondError(ctx, "convert", err)
		return
	}
	to, err := fx.ParseCurrency(ctx.Query("to"))
	if err != nil {
		handler.respondError(ctx, "convert", err)
		return
	}
	converted, err := handler.converter.ConvertCents(amountCents, from, to)
	if errors.Is(err, fx.ErrMissingRate) {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(ledger.CodeMissingFXRate, "no rate for currency pair"))
		return
	}
	if err != nil {
		handler.respondError(ctx, "convert", err)
		return
	}
	ctx.JSON(http.StatusOK, conversionPayload{
		AmountCents:    amountCents,
		From:           from.String(),
		To:             to.String(),
		ConvertedCents: converted,
	})
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

// respondError maps domain failures onto HTTP statuses. Missing wallets and
// missing configuration are server faults, never client errors.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	code := ledger.ErrorCode(err)
	switch {
	case ledger.IsCallerRecoverable(err):
		ctx.JSON(http.StatusPaymentRequired, errorResponse(code, "insufficient tokens"))
	case ledger.IsInvalidRequest(err), errors.Is(err, fx.ErrInvalidRate):
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, err.Error()))
	case errors.Is(err, ledger.ErrAlertNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse(codeAlertNotFound, "alert not found"))
	case ledger.IsIntegrityFault(err):
		handler.logger.Error("wallet missing for request", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(code, "wallet not provisioned"))
	case ledger.IsConfigurationFault(err):
		handler.logger.Error("pricing misconfigured", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(ledger.CodeInternal, "internal error"))
	case errors.Is(err, context.DeadlineExceeded):
		handler.logger.Warn("request timed out", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusGatewayTimeout, errorResponse(ledger.CodeInternal, "request timed out"))
	default:
		handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(ledger.CodeInternal, "internal error"))
	}
}

func parseTurn(ctx *gin.Context, rawUserID string, rawTurnID string) (ledger.UserID, ledger.TurnID, bool) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, err.Error()))
		return ledger.UserID{}, ledger.TurnID{}, false
	}
	turnID, err := ledger.NewTurnID(rawTurnID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, err.Error()))
		return ledger.UserID{}, ledger.TurnID{}, false
	}
	return userID, turnID, true
}

func pathUserID(ctx *gin.Context) (ledger.UserID, bool) {
	userID, err := ledger.NewUserID(ctx.Param("userId"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidRequest, err.Error()))
		return ledger.UserID{}, false
	}
	return userID, true
}

func queryInt(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func queryTime(ctx *gin.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
