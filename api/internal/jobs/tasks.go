package jobs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskOutboxScan     = "outbox.scan"
	TaskOutboxDispatch = "outbox.dispatch"
	TaskStatsRollup    = "stats.rollup"
)

type dispatchPayload struct {
	OutboxID string `json:"outbox_id"`
}

func NewScanTask(queue string) *asynq.Task {
	return asynq.NewTask(TaskOutboxScan, nil, asynq.Queue(queue))
}

func NewRollupTask(queue string) *asynq.Task {
	return asynq.NewTask(TaskStatsRollup, nil, asynq.Queue(queue), asynq.MaxRetry(0))
}

func NewDispatchTask(outboxID uuid.UUID, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(dispatchPayload{OutboxID: outboxID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxDispatch, payload, asynq.Queue(queue)), nil
}

func parseDispatchPayload(raw []byte) (uuid.UUID, error) {
	var payload dispatchPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(strings.TrimSpace(payload.OutboxID))
}

// RetryDelay grows quadratically from 5s and caps at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}

// Every renders a scheduler cronspec for a fixed interval in seconds.
func Every(seconds int) string {
	if seconds <= 0 {
		seconds = 1
	}
	return "@every " + (time.Duration(seconds) * time.Second).String()
}
