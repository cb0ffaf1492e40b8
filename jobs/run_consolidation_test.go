package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/consol"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

type stubExecutor struct {
	executed []uuid.UUID
	err      error
}

func (s *stubExecutor) Execute(ctx context.Context, runID uuid.UUID) error {
	s.executed = append(s.executed, runID)
	return s.err
}

func TestConsolidationRunJobExecutesRun(t *testing.T) {
	executor := &stubExecutor{}
	job := NewConsolidationRunJob(executor, nil, jobmetrics.NewMetrics(nil))

	runID := uuid.New()
	task, err := NewConsolidationRunTask(runID)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []uuid.UUID{runID}, executor.executed)
}

func TestConsolidationRunJobSkipsMalformedPayload(t *testing.T) {
	executor := &stubExecutor{}
	job := NewConsolidationRunJob(executor, nil, nil)

	task := asynq.NewTask(TaskConsolidationRun, []byte("{not json"))
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, executor.executed)
}

func TestConsolidationRunJobSkipsInvalidRunID(t *testing.T) {
	executor := &stubExecutor{}
	job := NewConsolidationRunJob(executor, nil, nil)

	task := asynq.NewTask(TaskConsolidationRun, []byte(`{"run_id":"not-a-uuid"}`))
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, executor.executed)
}

func TestConsolidationRunJobPropagatesLockContention(t *testing.T) {
	executor := &stubExecutor{err: consol.ConflictError("execute", consol.ErrRunAlreadyInProgress)}
	job := NewConsolidationRunJob(executor, nil, nil)

	task, err := NewConsolidationRunTask(uuid.New())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, consol.ErrRunAlreadyInProgress)
}

func TestConsolidationRunJobPropagatesTransientFailure(t *testing.T) {
	executor := &stubExecutor{err: errors.New("connection reset")}
	job := NewConsolidationRunJob(executor, nil, nil)

	task, err := NewConsolidationRunTask(uuid.New())
	require.NoError(t, err)

	require.Error(t, job.Handle(context.Background(), task))
}
