package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/consol"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RunExecutor drives a consolidation run to a terminal state.
type RunExecutor interface {
	Execute(ctx context.Context, runID uuid.UUID) error
}

// ConsolidationRunJob executes queued consolidation runs.
type ConsolidationRunJob struct {
	Executor RunExecutor
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewConsolidationRunJob constructs the job handler.
func NewConsolidationRunJob(executor RunExecutor, logger *slog.Logger, metrics *jobmetrics.Metrics) *ConsolidationRunJob {
	return &ConsolidationRunJob{
		Executor: executor,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one consolidation run task. A run that fails on business
// grounds still terminates the task successfully: the failure lives on the
// run record, not the queue. Lock contention is returned to Asynq so the
// task is redelivered once the competing run finishes.
func (j *ConsolidationRunJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Executor == nil {
		return errors.New("consolidation run: executor not configured")
	}
	var payload ConsolidationRunPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		j.log().Error("malformed run id", slog.String("run_id", payload.RunID))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskConsolidationRun)
	start := j.now()
	execErr := j.Executor.Execute(ctx, runID)
	_ = tracker.End(execErr)
	if execErr != nil {
		if errors.Is(execErr, consol.ErrRunAlreadyInProgress) {
			j.log().Info("run lock contended, requeueing",
				slog.String("run_id", runID.String()))
			return execErr
		}
		j.log().Error("execute consolidation run",
			slog.String("run_id", runID.String()), slog.Any("error", execErr))
		return execErr
	}
	j.log().Info("consolidation run task finished",
		slog.String("run_id", runID.String()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *ConsolidationRunJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ConsolidationRunJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskConsolidationRun))
	}
	return slog.Default().With(slog.String("job", TaskConsolidationRun))
}

func (j *ConsolidationRunJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ConsolidationRunJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
