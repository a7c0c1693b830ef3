package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func sampleAlert(test *testing.T) ledger.Alert {
	test.Helper()
	meta, err := ledger.NewMetadataJSON(`{"tokenBalance":-200}`)
	if err != nil {
		test.Fatalf("meta: %v", err)
	}
	return ledger.Alert{
		ID:        "alert-1",
		Type:      ledger.AlertNegativeBalance,
		Severity:  ledger.SeverityHigh,
		UserID:    "user-1",
		Meta:      meta,
		CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPostsAlert(test *testing.T) {
	test.Parallel()
	var received webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.Header.Get("Content-Type") != "application/json" {
			test.Errorf("unexpected request %s %s", request.Method, request.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			test.Errorf("decode: %v", err)
		}
		writer.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, server.Client())
	if err != nil {
		test.Fatalf("new webhook: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleAlert(test)); err != nil {
		test.Fatalf("notify: %v", err)
	}
	if received.Alert.Type != string(ledger.AlertNegativeBalance) || received.Alert.UserID != "user-1" {
		test.Fatalf("unexpected payload: %+v", received)
	}
	if received.Text != "[high] negative_balance for user user-1" {
		test.Fatalf("unexpected text %q", received.Text)
	}
	if string(received.Alert.Meta) != `{"tokenBalance":-200}` {
		test.Fatalf("unexpected meta %s", received.Alert.Meta)
	}
}

func TestWebhookNotifierReportsNon2xx(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		http.Error(writer, "channel_not_found", http.StatusNotFound)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(server.URL, nil)
	if err != nil {
		test.Fatalf("new webhook: %v", err)
	}
	err = notifier.Notify(context.Background(), sampleAlert(test))
	if err == nil || !strings.Contains(err.Error(), "404") {
		test.Fatalf("expected status error, got %v", err)
	}
}

func TestNewWebhookNotifierRejectsBadURL(test *testing.T) {
	test.Parallel()
	for _, endpoint := range []string{"", "ftp://example.com/hook", "not a url", "https://"} {
		if _, err := NewWebhookNotifier(endpoint, nil); !errors.Is(err, ErrInvalidWebhookURL) {
			test.Fatalf("expected ErrInvalidWebhookURL for %q, got %v", endpoint, err)
		}
	}
}

func TestEmailNotifierBuildsMessage(test *testing.T) {
	test.Parallel()
	notifier, err := NewEmailNotifier(EmailConfig{
		Addr:     "smtp.example.com:587",
		Username: "alerts",
		Password: "secret",
		From:     "wallet@example.com",
		To:       []string{"ops@example.com", "oncall@example.com"},
	})
	if err != nil {
		test.Fatalf("new email notifier: %v", err)
	}
	var capturedAddr string
	var capturedTo []string
	var capturedMessage string
	notifier.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		if auth == nil || from != "wallet@example.com" {
			test.Errorf("unexpected auth or sender: %v %s", auth, from)
		}
		capturedAddr = addr
		capturedTo = to
		capturedMessage = string(msg)
		return nil
	}
	if err := notifier.Notify(context.Background(), sampleAlert(test)); err != nil {
		test.Fatalf("notify: %v", err)
	}
	if capturedAddr != "smtp.example.com:587" || len(capturedTo) != 2 {
		test.Fatalf("unexpected envelope %s %v", capturedAddr, capturedTo)
	}
	if !strings.Contains(capturedMessage, "Subject: [high] negative_balance for user user-1\r\n") {
		test.Fatalf("missing subject in %q", capturedMessage)
	}
	if !strings.Contains(capturedMessage, "Details: {\"tokenBalance\":-200}") {
		test.Fatalf("missing details in %q", capturedMessage)
	}
}

func TestNewEmailNotifierValidation(test *testing.T) {
	test.Parallel()
	testCases := []EmailConfig{
		{From: "a@example.com", To: []string{"b@example.com"}},
		{Addr: "smtp:25", To: []string{"b@example.com"}},
		{Addr: "smtp:25", From: "a@example.com"},
		{Addr: "missing-port", From: "a@example.com", To: []string{"b@example.com"}, Username: "user"},
	}
	for _, config := range testCases {
		if _, err := NewEmailNotifier(config); !errors.Is(err, ErrInvalidEmailConfig) {
			test.Fatalf("expected ErrInvalidEmailConfig for %+v, got %v", config, err)
		}
	}
}

type fakeNotifier struct {
	channel string
	err     error
	panics  bool
	mutex   sync.Mutex
	alerts  []ledger.Alert
}

func (notifier *fakeNotifier) Channel() string {
	return notifier.channel
}

func (notifier *fakeNotifier) Notify(_ context.Context, alert ledger.Alert) error {
	if notifier.panics {
		panic("boom")
	}
	notifier.mutex.Lock()
	defer notifier.mutex.Unlock()
	notifier.alerts = append(notifier.alerts, alert)
	return notifier.err
}

type countingRecorder struct {
	mutex    sync.Mutex
	failures map[string]int
}

func (recorder *countingRecorder) NotificationFailed(channel string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.failures[channel]++
}

func TestDispatcherSwallowsFailures(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	healthy := &fakeNotifier{channel: "healthy"}
	failing := &fakeNotifier{channel: "failing", err: errors.New("smtp down")}
	panicking := &fakeNotifier{channel: "panicking", panics: true}
	recorder := &countingRecorder{failures: map[string]int{}}
	dispatcher := NewDispatcher(zap.New(core), []Notifier{healthy, nil, failing, panicking}, WithFailureRecorder(recorder), WithTimeout(time.Second))

	dispatcher.Dispatch(context.Background(), sampleAlert(test))

	if len(healthy.alerts) != 1 || len(failing.alerts) != 1 {
		test.Fatalf("expected every channel to be attempted")
	}
	if recorder.failures["failing"] != 1 || recorder.failures["panicking"] != 1 || recorder.failures["healthy"] != 0 {
		test.Fatalf("unexpected failure counts: %+v", recorder.failures)
	}
	if logs.FilterMessage("alert notification failed").Len() != 2 {
		test.Fatalf("expected two warnings, got %d", logs.Len())
	}
	if channels := dispatcher.Channels(); len(channels) != 3 {
		test.Fatalf("expected nil notifier to be skipped, got %v", channels)
	}
}
