package ledger

const (
	operationHold      = "hold"
	operationSettle    = "settle"
	operationCancel    = "cancel"
	operationExpire    = "expire"
	operationGrant     = "grant"
	operationRefund    = "refund"
	operationAdjust    = "adjust"
	operationProvision = "provision"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusRejected = "rejected"
	operationStatusReplayed = "replayed"

	subjectWallet  = "wallet"
	subjectEntry   = "entry"
	subjectPrice   = "price"
	subjectRequest = "request"

	// SourceChatTurn tags every entry written by the hold/settle/cancel engine.
	SourceChatTurn = "chat_turn"
	chatRefPrefix  = "chat:"

	releaseReasonSettled   = "settled"
	releaseReasonCancelled = "cancelled"
	releaseReasonExpired   = "expired"

	minimumHoldTokens int64 = 1
)
