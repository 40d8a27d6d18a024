package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildpay/buildpay/internal/app"
	"github.com/buildpay/buildpay/jobs"
)

const jobsUsage = `usage: buildpay jobs trigger <name>

jobs:
  ` + jobs.TaskLedgerIntegrity + `
  ` + jobs.TaskCycleWarmup + `
  ` + jobs.TaskIdempotencyCleanup + `
`

// runJobs enqueues a background job by name and returns the exit code.
func runJobs(cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) != 2 || args[0] != "trigger" {
		fmt.Fprint(os.Stderr, jobsUsage)
		return 2
	}
	client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := client.Trigger(ctx, args[1])
	if err != nil {
		logger.Error("trigger job", slog.String("job", args[1]), slog.Any("error", err))
		return 1
	}
	logger.Info("job enqueued", slog.String("job", info.Type), slog.String("id", info.ID), slog.String("queue", info.Queue))
	return 0
}
