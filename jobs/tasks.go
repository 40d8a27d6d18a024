package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity scans billing documents against their payments.
	TaskLedgerIntegrity = "billing:ledger-integrity"
	// TaskCycleWarmup pre-builds contractor cycle reports.
	TaskCycleWarmup = "billing:cycle-warmup"
	// TaskIdempotencyCleanup prunes expired submit keys.
	TaskIdempotencyCleanup = "billing:idempotency-cleanup"
)

// CycleWarmupPayload selects how many calendar months, counting back from the
// current one, are warmed.
type CycleWarmupPayload struct {
	Months int `json:"months"`
}

// IdempotencyCleanupPayload sets the key retention in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

// NewCycleWarmupTask constructs a warmup task.
func NewCycleWarmupTask(months int) (*asynq.Task, error) {
	data, err := json.Marshal(CycleWarmupPayload{Months: months})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCycleWarmup, data), nil
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

// NewTaskByName builds a task with default payload for manual triggering.
func NewTaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskLedgerIntegrity:
		return NewLedgerIntegrityTask(), nil
	case TaskCycleWarmup:
		return NewCycleWarmupTask(1)
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(72)
	default:
		return nil, fmt.Errorf("jobs: unsupported job %s", name)
	}
}

func decodePayload(t *asynq.Task, dest any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		return fmt.Errorf("%s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
