package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenwallet/internal/jobs"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/ledger"
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/pricing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationRecorderCountsAndLogs(test *testing.T) {
	test.Parallel()
	collectors := New()
	core, logs := observer.New(zapcore.DebugLevel)
	recorder := NewOperationRecorder(zap.New(core), collectors)
	userID, err := ledger.NewUserID("user-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}

	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "hold", UserID: userID, Tokens: 150, Duration: time.Millisecond})
	recorder.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "hold",
		UserID:    userID,
		Status:    statusRejected,
		Error:     ledger.WrapError("hold", "wallet", ledger.CodeInsufficientTokensForHold, ledger.ErrInsufficientTokensForHold),
	})
	recorder.LogOperation(context.Background(), ledger.OperationLog{
		Operation: "settle",
		UserID:    userID,
		Error:     pricing.ErrNoPriceConfigured,
	})

	if got := testutil.ToFloat64(collectors.OperationsTotal.WithLabelValues("hold", statusOK)); got != 1 {
		test.Fatalf("hold ok = %v", got)
	}
	if got := testutil.ToFloat64(collectors.OperationsTotal.WithLabelValues("hold", statusRejected)); got != 1 {
		test.Fatalf("hold rejected = %v", got)
	}
	if got := testutil.ToFloat64(collectors.OperationsTotal.WithLabelValues("settle", statusError)); got != 1 {
		test.Fatalf("settle error = %v", got)
	}
	if got := testutil.ToFloat64(collectors.InsufficientFundsTotal); got != 1 {
		test.Fatalf("insufficient funds = %v", got)
	}
	if got := testutil.ToFloat64(collectors.OperationTokensTotal.WithLabelValues("hold")); got != 150 {
		test.Fatalf("hold tokens = %v", got)
	}
	if logs.FilterMessage("wallet operation rejected").FilterLevelExact(zapcore.InfoLevel).Len() != 1 {
		test.Fatalf("rejections must log at info")
	}
	if logs.FilterMessage("wallet operation misconfigured").FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		test.Fatalf("configuration faults must log at error")
	}
}

func TestSideChannelCounters(test *testing.T) {
	test.Parallel()
	collectors := New()
	collectors.AlertRaised(ledger.Alert{Type: ledger.AlertSpendSpike, Severity: ledger.SeverityMedium})
	collectors.NotificationFailed("webhook")
	collectors.JobRan(jobs.JobReconcile, jobs.Report{Updated: 3}, nil)
	collectors.JobRan(jobs.JobReconcile, jobs.Report{}, errors.New("boom"))

	if got := testutil.ToFloat64(collectors.AlertsTotal.WithLabelValues("spend_spike", "medium")); got != 1 {
		test.Fatalf("alerts = %v", got)
	}
	if got := testutil.ToFloat64(collectors.NotificationFailures.WithLabelValues("webhook")); got != 1 {
		test.Fatalf("notification failures = %v", got)
	}
	if got := testutil.ToFloat64(collectors.JobRowsUpdatedTotal.WithLabelValues(jobs.JobReconcile)); got != 3 {
		test.Fatalf("rows updated = %v", got)
	}
	if got := testutil.ToFloat64(collectors.JobRunsTotal.WithLabelValues(jobs.JobReconcile, statusError)); got != 1 {
		test.Fatalf("failed runs = %v", got)
	}
}

func TestHandlerExposesRegistry(test *testing.T) {
	test.Parallel()
	collectors := New()
	collectors.ObserveHTTP(http.MethodPost, "/v1/holds", http.StatusCreated, 5*time.Millisecond)

	server := httptest.NewServer(collectors.Handler())
	defer server.Close()
	response, err := http.Get(server.URL)
	if err != nil {
		test.Fatalf("get metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		test.Fatalf("read metrics: %v", err)
	}
	text := string(body)
	for _, name := range []string{"tokenwallet_http_requests_total", "tokenwallet_server_start_time_seconds", "go_goroutines"} {
		if !strings.Contains(text, name) {
			test.Fatalf("missing %s in exposition", name)
		}
	}
}
