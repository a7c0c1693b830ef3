package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
)

const channelEmail = "email"

// ErrInvalidEmailConfig reports an incomplete SMTP setup.
var ErrInvalidEmailConfig = errors.New("invalid email config")

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Addr     string
	Username string
	Password string
	From     string
	To       []string
}

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends alerts through an SMTP relay.
type EmailNotifier struct {
	config   EmailConfig
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewEmailNotifier validates the configuration and returns a notifier.
func NewEmailNotifier(config EmailConfig) (*EmailNotifier, error) {
	if strings.TrimSpace(config.Addr) == "" {
		return nil, fmt.Errorf("%w: smtp address is required", ErrInvalidEmailConfig)
	}
	if strings.TrimSpace(config.From) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidEmailConfig)
	}
	if len(config.To) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidEmailConfig)
	}
	notifier := &EmailNotifier{config: config, sendMail: smtp.SendMail}
	if config.Username != "" {
		host, _, err := net.SplitHostPort(config.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEmailConfig, err)
		}
		notifier.auth = smtp.PlainAuth("", config.Username, config.Password, host)
	}
	return notifier, nil
}

// Channel names the delivery channel.
func (notifier *EmailNotifier) Channel() string {
	return channelEmail
}

// Notify sends one message to every recipient. net/smtp has no context support,
// so cancellation is only checked before sending.
func (notifier *EmailNotifier) Notify(ctx context.Context, alert ledger.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := buildMessage(notifier.config.From, notifier.config.To, Subject(alert), Body(alert))
	if err := notifier.sendMail(notifier.config.Addr, notifier.auth, notifier.config.From, notifier.config.To, message); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject string, body string) []byte {
	var builder strings.Builder
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	builder.WriteString("Subject: " + subject + "\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	builder.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(builder.String())
}
