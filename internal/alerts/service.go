// Package alerts records guardrail alerts and forwards high-severity ones to operators.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"go.uber.org/zap"
)

const (
	defaultListLimit        = 50
	maxListLimit            = 500
	defaultDispatchDeadline = 30 * time.Second
)

// Store persists alerts.
type Store interface {
	ledger.AlertScope
	ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID string, at time.Time) (ledger.Alert, bool, error)
}

// Dispatcher delivers an alert to external channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert ledger.Alert)
}

// Recorder observes committed alerts.
type Recorder interface {
	AlertRaised(alert ledger.Alert)
}

// Service implements ledger.AlertRaiser and the alert listing surface.
type Service struct {
	store            Store
	dispatcher       Dispatcher
	recorder         Recorder
	logger           *zap.Logger
	nowFn            func() time.Time
	dispatchDeadline time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder wires an observer for committed alerts.
func WithRecorder(recorder Recorder) Option {
	return func(service *Service) {
		service.recorder = recorder
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(service *Service) {
		if now != nil {
			service.nowFn = now
		}
	}
}

// WithDispatchDeadline bounds a detached dispatch.
func WithDispatchDeadline(deadline time.Duration) Option {
	return func(service *Service) {
		if deadline > 0 {
			service.dispatchDeadline = deadline
		}
	}
}

// NewService builds the alert service. A nil dispatcher disables notifications.
func NewService(store Store, dispatcher Dispatcher, logger *zap.Logger, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: alert store is required", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{
		store:            store,
		dispatcher:       dispatcher,
		logger:           logger.With(zap.String("component", "alerts")),
		nowFn:            time.Now,
		dispatchDeadline: defaultDispatchDeadline,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateSystemAlert writes one alert through scope, or through the service store when
// scope is nil. Dispatch and recording are deferred until scope commits.
func (service *Service) CreateSystemAlert(ctx context.Context, scope ledger.AlertScope, input ledger.AlertInput) (ledger.Alert, error) {
	alertType, err := ledger.ParseAlertType(string(input.Type))
	if err != nil {
		return ledger.Alert{}, err
	}
	severity, err := ledger.ParseSeverity(string(input.Severity))
	if err != nil {
		return ledger.Alert{}, err
	}
	meta := input.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := ledger.MarshalMetadata(meta)
	if err != nil {
		return ledger.Alert{}, err
	}
	if scope == nil {
		scope = service.store
	}
	alert, err := scope.InsertAlert(ctx, ledger.Alert{
		Type:      alertType,
		Severity:  severity,
		UserID:    strings.TrimSpace(input.UserID),
		Meta:      metadata,
		CreatedAt: service.nowFn().UTC(),
	})
	if err != nil {
		return ledger.Alert{}, err
	}
	scope.AfterCommit(func() {
		service.committed(alert)
	})
	return alert, nil
}

func (service *Service) committed(alert ledger.Alert) {
	service.logger.Info("alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("user_id", alert.UserID))
	if service.recorder != nil {
		service.recorder.AlertRaised(alert)
	}
	if alert.Severity != ledger.SeverityHigh || service.dispatcher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), service.dispatchDeadline)
		defer cancel()
		defer func() {
			if recovered := recover(); recovered != nil {
				service.logger.Error("alert dispatch panicked", zap.String("alert_id", alert.ID), zap.Any("panic", recovered))
			}
		}()
		service.dispatcher.Dispatch(ctx, alert)
	}()
}

// ListAlerts returns alerts newest first. Limit defaults to 50 and is capped at 500.
func (service *Service) ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error) {
	if filter.Type != "" {
		if _, err := ledger.ParseAlertType(string(filter.Type)); err != nil {
			return nil, err
		}
	}
	if filter.Severity != "" {
		if _, err := ledger.ParseSeverity(string(filter.Severity)); err != nil {
			return nil, err
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return service.store.ListAlerts(ctx, filter)
}

// Acknowledge stamps acknowledgedAt once. Later calls return the alert unchanged.
func (service *Service) Acknowledge(ctx context.Context, alertID string) (ledger.Alert, error) {
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return ledger.Alert{}, ledger.ErrAlertNotFound
	}
	alert, changed, err := service.store.AcknowledgeAlert(ctx, alertID, service.nowFn().UTC())
	if err != nil {
		if errors.Is(err, ledger.ErrAlertNotFound) {
			return ledger.Alert{}, err
		}
		return ledger.Alert{}, fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	if changed {
		service.logger.Info("alert acknowledged", zap.String("alert_id", alert.ID))
	}
	return alert, nil
}
