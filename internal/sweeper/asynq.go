package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeAutoCancelSweep = "waiting:auto_cancel_sweep"

type SweepPayload struct {
	BatchSize int `json:"batch_size,omitempty"`
}

// NewSweepTask builds the periodic task. Unique keeps several scheduler instances from
// queueing more than one sweep per interval.
func NewSweepTask(interval time.Duration, batchSize int) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAutoCancelSweep, payload,
		asynq.Unique(interval),
		asynq.MaxRetry(0),
		asynq.Timeout(sweepTimeout),
	), nil
}

// RegisterPeriodicSweep schedules the sweep task on an asynq scheduler.
func RegisterPeriodicSweep(scheduler *asynq.Scheduler, interval time.Duration, batchSize int) (string, error) {
	task, err := NewSweepTask(interval, batchSize)
	if err != nil {
		return "", err
	}
	return scheduler.Register(fmt.Sprintf("@every %s", interval), task)
}

// HandleSweepTask runs one sweep for a queued task. A malformed payload is not retried.
func (s *Sweeper) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	limit := s.batchSize
	if payload.BatchSize > 0 {
		limit = payload.BatchSize
	}
	result, err := s.sweep(ctx, limit)
	if err != nil {
		return err
	}
	s.logger.WithField("scanned", result.Scanned).Debug("auto-cancel sweep task done")
	return nil
}

// RegisterHandlers wires the sweep task into an asynq mux.
func (s *Sweeper) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeAutoCancelSweep, s.HandleSweepTask)
}
