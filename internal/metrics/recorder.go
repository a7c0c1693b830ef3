package metrics

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"go.uber.org/zap"
)

const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusError    = "error"
)

// OperationRecorder logs wallet operations with zap and counts them.
type OperationRecorder struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationRecorder builds a recorder. Either dependency may be nil.
func NewOperationRecorder(logger *zap.Logger, metrics *Metrics) *OperationRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationRecorder{logger: logger.With(zap.String("component", "ledger")), metrics: metrics}
}

// LogOperation implements ledger.OperationLogger.
func (recorder *OperationRecorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	status := entry.Status
	if status == "" {
		status = statusOK
		if entry.Error != nil {
			status = statusError
		}
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("tokens", entry.Tokens),
		zap.Duration("duration", entry.Duration),
	}
	if entry.TurnID.String() != "" {
		fields = append(fields, zap.String("turn_id", entry.TurnID.String()))
	}
	if entry.RefID != "" {
		fields = append(fields, zap.String("ref_id", entry.RefID))
	}
	switch {
	case entry.Error == nil:
		recorder.logger.Debug("wallet operation", fields...)
	case status == statusRejected:
		recorder.logger.Info("wallet operation rejected", append(fields, zap.Error(entry.Error))...)
	case ledger.IsConfigurationFault(entry.Error):
		recorder.logger.Error("wallet operation misconfigured", append(fields, zap.String("code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))...)
	default:
		recorder.logger.Error("wallet operation failed", append(fields, zap.String("code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))...)
	}

	if recorder.metrics == nil {
		return
	}
	recorder.metrics.OperationsTotal.WithLabelValues(entry.Operation, status).Inc()
	recorder.metrics.OperationDuration.WithLabelValues(entry.Operation).Observe(entry.Duration.Seconds())
	if entry.Error == nil && entry.Tokens > 0 {
		recorder.metrics.OperationTokensTotal.WithLabelValues(entry.Operation).Add(float64(entry.Tokens))
	}
	if errors.Is(entry.Error, ledger.ErrInsufficientTokensForHold) {
		recorder.metrics.InsufficientFundsTotal.Inc()
	}
}
