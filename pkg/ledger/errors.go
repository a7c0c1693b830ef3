package ledger

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientTokensForHold = errors.New("insufficient tokens for hold")
	ErrWalletNotFound            = errors.New("wallet not found")
	ErrWalletExists              = errors.New("wallet already exists")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrAlertNotFound             = errors.New("alert not found")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidTurnID             = errors.New("invalid turn id")
	ErrInvalidSource             = errors.New("invalid source")
	ErrInvalidRefID              = errors.New("invalid ref id")
	ErrInvalidAmountTokens       = errors.New("invalid amount tokens")
	ErrInvalidCreditLimit        = errors.New("invalid credit limit")
	ErrInvalidEntryType          = errors.New("invalid entry type")
	ErrInvalidAlertType          = errors.New("invalid alert type")
	ErrInvalidSeverity           = errors.New("invalid severity")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrInvalidProvider           = errors.New("invalid provider")
	ErrInvalidModel              = errors.New("invalid model")
)

// Stable error codes surfaced at the service boundary.
const (
	CodeInsufficientTokensForHold = "INSUFFICIENT_TOKENS_FOR_HOLD"
	CodeWalletNotFound            = "WALLET_NOT_FOUND"
	CodePriceNotConfigured        = "PRICE_NOT_CONFIGURED"
	CodeMissingFXRate             = "MISSING_FX_RATE"
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeInternal                  = "INTERNAL"
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsCallerRecoverable reports failures the caller should surface without retrying
// or logging as a system fault (payment required).
func IsCallerRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientTokensForHold)
}

// IsConfigurationFault reports missing prices or FX rates; an operator must fix these.
func IsConfigurationFault(err error) bool {
	return errors.Is(err, pricing.ErrNoPriceConfigured) || errors.Is(err, fx.ErrMissingRate)
}

// IsIntegrityFault reports provisioning bugs such as a missing wallet for a known user.
func IsIntegrityFault(err error) bool {
	return errors.Is(err, ErrWalletNotFound)
}

// IsInvalidRequest reports malformed input rejected before touching the store.
func IsInvalidRequest(err error) bool {
	for _, candidate := range []error{
		ErrInvalidUserID, ErrInvalidTurnID, ErrInvalidSource, ErrInvalidRefID,
		ErrInvalidAmountTokens, ErrInvalidCreditLimit, ErrInvalidEntryType,
		ErrInvalidAlertType, ErrInvalidSeverity, ErrInvalidMetadataJSON,
		ErrInvalidProvider, ErrInvalidModel, fx.ErrUnsupportedCurrency,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

// ErrorCode extracts the most specific stable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCallerRecoverable(err):
		return CodeInsufficientTokensForHold
	case IsIntegrityFault(err):
		return CodeWalletNotFound
	case errors.Is(err, pricing.ErrNoPriceConfigured):
		return CodePriceNotConfigured
	case errors.Is(err, fx.ErrMissingRate):
		return CodeMissingFXRate
	case IsInvalidRequest(err):
		return CodeInvalidRequest
	}
	var operationError OperationError
	if errors.As(err, &operationError) && operationError.Code() != "" {
		return operationError.Code()
	}
	return CodeInternal
}
