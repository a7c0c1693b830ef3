// Package jobs holds the periodic maintenance work of the wallet: usage cost
// reconciliation, spend-spike monitoring and orphaned hold expiry.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Report summarizes one job pass.
type Report struct {
	Scanned int
	Updated int
	Skipped int
	Failed  int
}

// Job is a single pass of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) (Report, error)
}

// RunRecorder observes finished passes.
type RunRecorder interface {
	JobRan(name string, report Report, err error)
}

// Runner executes a Job on a fixed interval until its context ends.
type Runner struct {
	job      Job
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	recorder RunRecorder
}

// NewRunner builds a Runner. A pass is bounded by timeout when it is positive.
func NewRunner(job Job, interval time.Duration, timeout time.Duration, logger *zap.Logger, recorder RunRecorder) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		job:      job,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "jobs"), zap.String("job", job.Name())),
		recorder: recorder,
	}
}

// Start runs one pass immediately and then one per interval. It blocks until ctx is done.
func (runner *Runner) Start(ctx context.Context) {
	if runner.interval <= 0 {
		runner.logger.Info("job disabled")
		return
	}
	ticker := time.NewTicker(runner.interval)
	defer ticker.Stop()

	runner.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			runner.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce executes a single pass and logs its outcome.
func (runner *Runner) RunOnce(ctx context.Context) (Report, error) {
	if runner.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runner.timeout)
		defer cancel()
	}
	startedAt := time.Now()
	report, err := runner.job.Run(ctx)
	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(startedAt)),
	}
	if err != nil {
		runner.logger.Error("job failed", append(fields, zap.Error(err))...)
	} else {
		runner.logger.Info("job finished", fields...)
	}
	if runner.recorder != nil {
		runner.recorder.JobRan(runner.job.Name(), report, err)
	}
	return report, err
}
