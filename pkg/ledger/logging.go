package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	TurnID    TurnID
	RefID     string
	Tokens    int64
	Status    string
	Error     error
	Duration  time.Duration
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAlertRaiser wires the guardrail alert service.
func WithAlertRaiser(raiser AlertRaiser) ServiceOption {
	return func(service *Service) {
		service.alerts = raiser
	}
}

// WithMaxTokensPerTurn sets the observability-only safety cap; zero disables it.
func WithMaxTokensPerTurn(maxTokens int64) ServiceOption {
	return func(service *Service) {
		service.maxTokensPerTurn = maxTokens
	}
}
