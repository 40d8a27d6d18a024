package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildpay/buildpay/internal/billing"
	jobmetrics "github.com/buildpay/buildpay/internal/jobs"
)

const maxWarmupMonths = 12

// CycleReporter builds contractor cycle reports through the report cache.
type CycleReporter interface {
	ContractorCycleReport(ctx context.Context, filter billing.CycleFilter) (billing.CycleReport, error)
}

// CycleWarmupJob pre-builds the all-contractor cycle report for recent months
// so the first reviewer request hits the cache.
type CycleWarmupJob struct {
	Billing  CycleReporter
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Location *time.Location
	clock    func() time.Time
}

// NewCycleWarmupJob wires the warmup handler. Month boundaries follow loc.
func NewCycleWarmupJob(reporter CycleReporter, loc *time.Location, logger *slog.Logger, metrics *jobmetrics.Metrics) *CycleWarmupJob {
	if loc == nil {
		loc = time.UTC
	}
	return &CycleWarmupJob{Billing: reporter, Logger: logger, Metrics: metrics, Location: loc, clock: time.Now}
}

// Handle warms the configured number of months.
func (j *CycleWarmupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Billing == nil {
		return errors.New("cycle warmup: handler not configured")
	}
	var payload CycleWarmupPayload
	if err := decodePayload(t, &payload); err != nil {
		return err
	}
	if payload.Months <= 0 {
		payload.Months = 1
	}
	if payload.Months > maxWarmupMonths {
		payload.Months = maxWarmupMonths
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskCycleWarmup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskCycleWarmup)
	start := time.Now()
	for _, filter := range MonthFilters(j.now(), payload.Months) {
		monthCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		report, err := j.Billing.ContractorCycleReport(monthCtx, filter)
		cancel()
		if err != nil {
			logger.Error("warm cycle report", slog.String("month", filter.DateFrom.Format("2006-01")), slog.Any("error", err))
			return err
		}
		logger.Debug("warmed cycle report",
			slog.String("month", filter.DateFrom.Format("2006-01")),
			slog.Int("documents", report.GrandTotals.DocumentCount))
	}
	logger.Info("cycle warmup completed", slog.Int("months", payload.Months), slog.Duration("duration", time.Since(start)))
	return nil
}

// MonthFilters returns calendar-month filters, newest first, ending with the
// month containing now.
func MonthFilters(now time.Time, months int) []billing.CycleFilter {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	out := make([]billing.CycleFilter, 0, months)
	for i := 0; i < months; i++ {
		from := first.AddDate(0, -i, 0)
		to := from.AddDate(0, 1, -1)
		out = append(out, billing.CycleFilter{DateFrom: from, DateTo: to})
	}
	return out
}

func (j *CycleWarmupJob) now() time.Time {
	clock := j.clock
	if clock == nil {
		clock = time.Now
	}
	return clock().In(j.Location)
}
