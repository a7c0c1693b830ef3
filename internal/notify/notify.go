// Package notify delivers guardrail alerts to operators over email and chat webhooks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultDispatchTimeout = 10 * time.Second

// Notifier is a single delivery channel.
type Notifier interface {
	Channel() string
	Notify(ctx context.Context, alert ledger.Alert) error
}

// FailureRecorder counts failed deliveries per channel.
type FailureRecorder interface {
	NotificationFailed(channel string)
}

// Dispatcher fans an alert out to every configured channel. Delivery failures
// are logged and counted, never returned.
type Dispatcher struct {
	notifiers []Notifier
	logger    *zap.Logger
	timeout   time.Duration
	failures  FailureRecorder
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds a whole fan-out.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.timeout = timeout
		}
	}
}

// WithFailureRecorder wires a failure counter.
func WithFailureRecorder(recorder FailureRecorder) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.failures = recorder
	}
}

// NewDispatcher builds a Dispatcher; nil notifiers are skipped.
func NewDispatcher(logger *zap.Logger, notifiers []Notifier, options ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := &Dispatcher{logger: logger.With(zap.String("component", "notify")), timeout: defaultDispatchTimeout}
	for _, notifier := range notifiers {
		if notifier != nil {
			dispatcher.notifiers = append(dispatcher.notifiers, notifier)
		}
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	return dispatcher
}

// Channels lists the configured channel names.
func (dispatcher *Dispatcher) Channels() []string {
	channels := make([]string, 0, len(dispatcher.notifiers))
	for _, notifier := range dispatcher.notifiers {
		channels = append(channels, notifier.Channel())
	}
	return channels
}

// Dispatch delivers alert on every channel concurrently and waits for all of them.
func (dispatcher *Dispatcher) Dispatch(ctx context.Context, alert ledger.Alert) {
	if len(dispatcher.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, dispatcher.timeout)
	defer cancel()

	var group errgroup.Group
	for _, notifier := range dispatcher.notifiers {
		notifier := notifier
		group.Go(func() error {
			if err := dispatcher.deliver(ctx, notifier, alert); err != nil {
				dispatcher.logger.Warn("alert notification failed",
					zap.String("channel", notifier.Channel()),
					zap.String("alert_id", alert.ID),
					zap.String("alert_type", string(alert.Type)),
					zap.Error(err))
				if dispatcher.failures != nil {
					dispatcher.failures.NotificationFailed(notifier.Channel())
				}
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (dispatcher *Dispatcher) deliver(ctx context.Context, notifier Notifier, alert ledger.Alert) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("notifier panic: %v", recovered)
		}
	}()
	return notifier.Notify(ctx, alert)
}

// Subject renders a one-line summary of an alert.
func Subject(alert ledger.Alert) string {
	if alert.UserID == "" {
		return fmt.Sprintf("[%s] %s", alert.Severity, alert.Type)
	}
	return fmt.Sprintf("[%s] %s for user %s", alert.Severity, alert.Type, alert.UserID)
}

// Body renders the alert details as plain text.
func Body(alert ledger.Alert) string {
	return fmt.Sprintf("Alert %s\nType: %s\nSeverity: %s\nUser: %s\nCreated: %s\nDetails: %s\n",
		alert.ID, alert.Type, alert.Severity, valueOrDash(alert.UserID),
		alert.CreatedAt.UTC().Format(time.RFC3339), alert.Meta.String())
}

func valueOrDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
