package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/buildpay/buildpay/internal/jobs"
)

// KeyPruner deletes idempotency keys older than a retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob prunes submit keys so the table stays small.
type IdempotencyCleanupJob struct {
	Store   KeyPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob wires the cleanup handler.
func NewIdempotencyCleanupJob(store KeyPruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle deletes keys past the payload retention, 72 hours by default.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 72
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	removed, err := j.Store.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour)
	if err != nil {
		jobLogger(j.Logger, TaskIdempotencyCleanup).Error("prune idempotency keys", slog.Any("error", err))
		return err
	}
	jobLogger(j.Logger, TaskIdempotencyCleanup).Info("pruned idempotency keys",
		slog.Int64("removed", removed), slog.Int("retention_hours", payload.RetentionHours))
	return nil
}
