package consol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// ServiceRepository describes the persistence behaviour the service needs.
type ServiceRepository interface {
	GroupSnapshot(ctx context.Context, groupID int64) (Group, []EliminationRule, error)
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRuns(ctx context.Context, groupID int64, limit int) ([]Run, error)
	LatestCompletedRun(ctx context.Context, groupID int64, period PeriodRef) (*Run, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	MarkRunCancelled(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TaskEnqueuer hands a pending run to the background worker pool.
type TaskEnqueuer interface {
	EnqueueRun(ctx context.Context, runID uuid.UUID) error
}

// InitiateInput carries everything needed to start a consolidation run.
type InitiateInput struct {
	OrgID       int64
	GroupID     int64
	Period      PeriodRef
	AsOfDate    time.Time
	Options     Options
	InitiatedBy int64
}

// Validate ensures the request is coherent.
func (in InitiateInput) Validate() error {
	if in.OrgID <= 0 {
		return errors.New("consol: organization required")
	}
	if in.GroupID <= 0 {
		return errors.New("consol: group id required")
	}
	if err := in.Period.Validate(); err != nil {
		return err
	}
	if in.AsOfDate.IsZero() {
		return errors.New("consol: as-of date required")
	}
	if in.InitiatedBy <= 0 {
		return errors.New("consol: initiator required")
	}
	return nil
}

// Service exposes the engine to the host layer: synchronous acceptance of a
// run, asynchronous completion on the worker pool, and status/cancel
// operations on existing runs.
type Service struct {
	repo   ServiceRepository
	tasks  TaskEnqueuer
	audit  shared.AuditRecorder
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a consolidation service instance.
func NewService(repo ServiceRepository, tasks TaskEnqueuer, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		tasks:  tasks,
		audit:  audit,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// InitiateRun validates the group configuration, creates a Pending run and
// enqueues its execution. At most one non-superseded successful run may exist
// per (group, period) unless force_regeneration is set, and at most one run
// may be pending or in progress per (group, period) at any time.
func (s *Service) InitiateRun(ctx context.Context, input InitiateInput) (uuid.UUID, error) {
	if err := input.Validate(); err != nil {
		return uuid.Nil, &Error{Kind: KindValidation, Op: "initiate run", Err: err}
	}

	group, _, err := s.repo.GroupSnapshot(ctx, input.GroupID)
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			return uuid.Nil, &Error{Kind: KindConfiguration, Op: "initiate run", Err: ErrGroupNotFound}
		}
		return uuid.Nil, InfrastructureError("initiate run", err)
	}
	if group.OrgID != input.OrgID {
		// tenant mismatch is indistinguishable from absence
		return uuid.Nil, &Error{Kind: KindConfiguration, Op: "initiate run", Err: ErrGroupNotFound}
	}
	if !group.Active {
		return uuid.Nil, ConfigurationError("initiate run", "group %d is inactive", input.GroupID)
	}
	if len(group.Members) == 0 {
		return uuid.Nil, ConfigurationError("initiate run", "group %d has no members", input.GroupID)
	}
	if err := group.Validate(); err != nil {
		return uuid.Nil, &Error{Kind: KindConfiguration, Op: "initiate run", Err: err}
	}

	if !input.Options.ForceRegeneration {
		prev, err := s.repo.LatestCompletedRun(ctx, input.GroupID, input.Period)
		if err != nil {
			return uuid.Nil, InfrastructureError("initiate run", err)
		}
		if prev != nil && prev.SupersededBy == nil {
			return uuid.Nil, ConflictError("initiate run", ErrRunAlreadyExists)
		}
	}

	run := Run{
		ID:          uuid.New(),
		OrgID:       input.OrgID,
		GroupID:     input.GroupID,
		Period:      input.Period,
		AsOfDate:    input.AsOfDate,
		Status:      StatusPending,
		InitiatedBy: input.InitiatedBy,
		InitiatedAt: s.now(),
		Options:     input.Options,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ErrRunAlreadyInProgress) {
			return uuid.Nil, ConflictError("initiate run", ErrRunAlreadyInProgress)
		}
		return uuid.Nil, InfrastructureError("initiate run", err)
	}

	if err := s.tasks.EnqueueRun(ctx, run.ID); err != nil {
		s.log().Error("enqueue run", slog.String("run_id", run.ID.String()), slog.Any("error", err))
		return uuid.Nil, InfrastructureError("enqueue run", err)
	}
	s.log().Info("run initiated",
		slog.String("run_id", run.ID.String()),
		slog.Int64("group_id", run.GroupID),
		slog.String("period", run.Period.String()),
		slog.Int64("initiated_by", run.InitiatedBy))
	return run.ID, nil
}

// GetRun returns the current run snapshot, including the consolidated result
// once the run is Completed.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return Run{}, &Error{Kind: KindConfiguration, Op: "get run", Err: ErrRunNotFound}
		}
		return Run{}, InfrastructureError("get run", err)
	}
	return run, nil
}

// ListRuns returns recent runs for a group, newest first, including failed
// and superseded ones for diagnosis.
func (s *Service) ListRuns(ctx context.Context, groupID int64, limit int) ([]Run, error) {
	if groupID <= 0 {
		return nil, ValidationError("list runs", "group id required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs, err := s.repo.ListRuns(ctx, groupID, limit)
	if err != nil {
		return nil, InfrastructureError("list runs", err)
	}
	return runs, nil
}

// CancelRun requests cooperative cancellation. Pending runs cancel
// immediately; in-progress runs cancel at the next pipeline checkpoint.
// Terminal runs reject the request.
func (s *Service) CancelRun(ctx context.Context, id uuid.UUID) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	switch run.Status {
	case StatusPending:
		at := s.now()
		if err := s.repo.MarkRunCancelled(ctx, run.ID, at); err != nil {
			return InfrastructureError("cancel run", err)
		}
		s.recordCancelled(ctx, run)
		return nil
	case StatusInProgress:
		if err := s.repo.RequestCancel(ctx, run.ID); err != nil {
			return InfrastructureError("cancel run", err)
		}
		return nil
	default:
		return ConflictError("cancel run", ErrRunTerminal)
	}
}

func (s *Service) recordCancelled(ctx context.Context, run Run) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		OrgID:    run.OrgID,
		ActorID:  run.InitiatedBy,
		Action:   AuditActionRunCancelled,
		Entity:   AuditEntity,
		EntityID: run.ID.String(),
		Meta: map[string]any{
			"group_id": run.GroupID,
			"period":   run.Period.String(),
		},
		At: s.now(),
	}); err != nil {
		s.log().Warn("record audit", slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "consol_service"))
	}
	return slog.Default().With(slog.String("component", "consol_service"))
}
