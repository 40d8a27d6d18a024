package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/buildpay/buildpay/internal/billing"
	jobmetrics "github.com/buildpay/buildpay/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AnomalyScanner finds billing documents whose payments disagree with them.
type AnomalyScanner interface {
	LedgerAnomalies(ctx context.Context) ([]billing.Anomaly, error)
}

// LedgerIntegrityJob reports approved documents whose payment total differs
// from their job lines and payments left on non-approved documents.
type LedgerIntegrityJob struct {
	Billing AnomalyScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob wires the integrity scan handler.
func NewLedgerIntegrityJob(scanner AnomalyScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Billing: scanner, Logger: logger, Metrics: metrics}
}

// Handle runs one scan. Anomalies are logged by the billing service and
// counted here; they do not fail the task.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Billing == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskLedgerIntegrity)
	anomalies, err := j.Billing.LedgerAnomalies(ctx)
	if err != nil {
		logger.Error("scan ledger", slog.Any("error", err))
		return err
	}
	byKind := make(map[string]int)
	for _, a := range anomalies {
		byKind[a.Kind]++
	}
	for kind, n := range byKind {
		metrics.AddAnomalies(kind, n)
	}
	logger.Info("ledger integrity scan completed", slog.Int("anomalies", len(anomalies)))
	return nil
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}
