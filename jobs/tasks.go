package jobs

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsolidationRun executes one consolidation run to completion.
	TaskConsolidationRun = "consol:run"
)

// ConsolidationRunPayload identifies the run a worker should execute.
type ConsolidationRunPayload struct {
	RunID string `json:"run_id"`
}

// NewConsolidationRunTask constructs an Asynq task for a consolidation run.
func NewConsolidationRunTask(runID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(ConsolidationRunPayload{RunID: runID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsolidationRun, body, asynq.Queue(QueueDefault)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueRun submits a consolidation run for asynchronous execution.
func (c *Client) EnqueueRun(ctx context.Context, runID uuid.UUID) error {
	task, err := NewConsolidationRunTask(runID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
