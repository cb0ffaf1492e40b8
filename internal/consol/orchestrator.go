package consol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Audit identifiers emitted on run transitions.
const (
	AuditEntity             = "consolidation_runs"
	AuditActionRunCompleted = "consol_run_completed"
	AuditActionRunFailed    = "consol_run_failed"
	AuditActionRunCancelled = "consol_run_cancelled"
)

// Repository describes the persistence operations the orchestrator needs.
type Repository interface {
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	GroupSnapshot(ctx context.Context, groupID int64) (Group, []EliminationRule, error)
	MarkRunStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRunCompleted(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, result Result) error
	MarkRunFailed(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, message string) error
	MarkRunCancelled(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRunSuperseded(ctx context.Context, id, supersededBy uuid.UUID) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	LatestCompletedRun(ctx context.Context, groupID int64, period PeriodRef) (*Run, error)
}

// OrchestratorConfig tunes retry, tolerance and locking behaviour.
type OrchestratorConfig struct {
	EliminationTolerance decimal.Decimal
	RetryAttempts        int
	RetryBackoff         time.Duration
	LockTTL              time.Duration
	RatePrefetchWorkers  int
}

// Orchestrator owns the run state machine: it sequences translation, member
// consolidation, elimination and aggregation, persists the result atomically
// with the Completed transition, and emits one audit record per terminal
// transition.
type Orchestrator struct {
	repo      Repository
	balances  TrialBalanceSource
	rates     fx.RateProvider
	locker    shared.Locker
	audit     shared.AuditRecorder
	logger    *slog.Logger
	tolerance decimal.Decimal
	attempts  int
	backoff   time.Duration
	lockTTL   time.Duration
	prefetch  int
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator dependencies.
func NewOrchestrator(repo Repository, balances TrialBalanceSource, rates fx.RateProvider, locker shared.Locker, audit shared.AuditRecorder, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		repo:      repo,
		balances:  balances,
		rates:     rates,
		locker:    locker,
		audit:     audit,
		logger:    logger,
		tolerance: cfg.EliminationTolerance,
		attempts:  cfg.RetryAttempts,
		backoff:   cfg.RetryBackoff,
		lockTTL:   cfg.LockTTL,
		prefetch:  cfg.RatePrefetchWorkers,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.tolerance.IsZero() {
		o.tolerance = decimal.RequireFromString("0.01")
	}
	if o.attempts <= 0 {
		o.attempts = 3
	}
	if o.backoff <= 0 {
		o.backoff = 100 * time.Millisecond
	}
	if o.lockTTL <= 0 {
		o.lockTTL = 5 * time.Minute
	}
	if o.prefetch <= 0 {
		o.prefetch = 4
	}
	return o
}

// WithClock overrides the clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) {
	if clock != nil {
		o.now = clock
	}
}

// Execute drives one consolidation run to a terminal state. A nil return
// means the run reached a terminal state (including Failed and Cancelled);
// a non-nil return signals a transient problem the caller may retry.
func (o *Orchestrator) Execute(ctx context.Context, runID uuid.UUID) error {
	var run Run
	if err := o.withRetry(ctx, "load run", func() error {
		var err error
		run, err = o.repo.GetRun(ctx, runID)
		return err
	}); err != nil {
		return err
	}
	if run.Status.Terminal() {
		o.log().Info("run already terminal, skipping", slog.String("run_id", runID.String()), slog.String("status", run.Status.String()))
		return nil
	}
	if run.CancelRequested {
		return o.cancel(ctx, run)
	}

	lock, err := o.locker.Obtain(ctx, shared.RunLockKey(run.GroupID, run.Period.String()), o.lockTTL)
	if err != nil {
		if errors.Is(err, shared.ErrLockHeld) {
			return ConflictError("execute", ErrRunAlreadyInProgress)
		}
		return InfrastructureError("obtain run lock", err)
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.log().Warn("release run lock", slog.Any("error", rerr))
		}
	}()

	started := o.now()
	if err := o.repo.MarkRunStarted(ctx, run.ID, started); err != nil {
		return InfrastructureError("mark run started", err)
	}
	run.Status = StatusInProgress
	run.StartedAt = &started

	result, execErr := o.pipeline(ctx, &run, started)
	finished := o.now()
	duration := finished.Sub(started).Milliseconds()

	if execErr == nil && result == nil {
		// cancelled between phases; cancel() already recorded the transition
		return nil
	}
	if execErr != nil {
		// validation and configuration failures, or transient failures that
		// exhausted their bounded retries: the run fails with diagnostics and
		// stays queryable
		if err := o.repo.MarkRunFailed(ctx, run.ID, finished, duration, execErr.Error()); err != nil {
			return InfrastructureError("mark run failed", err)
		}
		o.recordTransition(ctx, run, AuditActionRunFailed, duration, map[string]any{"error": execErr.Error()})
		o.log().Warn("run failed", slog.String("run_id", run.ID.String()), slog.Any("error", execErr))
		return nil
	}

	if prev, err := o.repo.LatestCompletedRun(ctx, run.GroupID, run.Period); err == nil && prev != nil && prev.ID != run.ID && prev.SupersededBy == nil {
		if err := o.repo.MarkRunSuperseded(ctx, prev.ID, run.ID); err != nil {
			return InfrastructureError("mark run superseded", err)
		}
	}

	if err := o.repo.MarkRunCompleted(ctx, run.ID, finished, duration, *result); err != nil {
		return InfrastructureError("mark run completed", err)
	}
	o.recordTransition(ctx, run, AuditActionRunCompleted, duration, map[string]any{
		"warnings": len(result.Warnings),
		"members":  len(result.Contributions),
	})
	o.log().Info("run completed",
		slog.String("run_id", run.ID.String()),
		slog.Int64("group_id", run.GroupID),
		slog.String("period", run.Period.String()),
		slog.Int64("duration_ms", duration),
		slog.Int("warnings", len(result.Warnings)))
	return nil
}

// pipeline runs the consolidation phases. A nil result with nil error means
// the run was cancelled at a checkpoint.
func (o *Orchestrator) pipeline(ctx context.Context, run *Run, started time.Time) (*Result, error) {
	var group Group
	var rules []EliminationRule
	if err := o.withRetry(ctx, "group snapshot", func() error {
		var err error
		group, rules, err = o.repo.GroupSnapshot(ctx, run.GroupID)
		return err
	}); err != nil {
		return nil, err
	}

	if !group.Active {
		return nil, ConfigurationError("pipeline", "group %d is inactive", group.ID)
	}
	if len(group.Members) == 0 {
		return nil, ConfigurationError("pipeline", "group %d has no members", group.ID)
	}
	if err := group.Validate(); err != nil {
		return nil, &Error{Kind: KindConfiguration, Op: "pipeline", Err: err}
	}

	warnings := make([]Warning, 0)
	var fatal []string

	members := make([]Member, 0, len(group.Members))
	for _, m := range group.Members {
		if !m.EligibleAt(run.AsOfDate) {
			if m.Active {
				warnings = append(warnings, Warningf(WarnMemberExcluded,
					"member %d acquired %s, after the as-of date, not yet consolidated",
					m.CompanyID, m.AcquisitionDate.Format("2006-01-02")))
			}
			continue
		}
		members = append(members, m)
	}
	// deterministic order: parent baseline first, then ascending company id
	sort.Slice(members, func(i, j int) bool {
		if members[i].CompanyID == group.ParentCompanyID {
			return true
		}
		if members[j].CompanyID == group.ParentCompanyID {
			return false
		}
		return members[i].CompanyID < members[j].CompanyID
	})

	table, missing, err := o.resolveRates(ctx, group, members, run.AsOfDate)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		msg := fmt.Sprintf("missing exchange rates: %s", strings.Join(missing, ", "))
		if run.Options.SkipValidation {
			warnings = append(warnings, Warningf(WarnMissingRate, "%s", msg))
		} else {
			fatal = append(fatal, msg)
		}
	}
	scale := table.ReportingScale()

	contributions := make([]MemberContribution, 0, len(members))
	balancesByCompany := make(map[int64][]TranslatedBalance, len(members))
	for _, member := range members {
		cancelled, err := o.checkCancelled(ctx, run)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return nil, nil
		}
		if _, ok := table.Rate(member.Currency, fx.KindClosing); !ok {
			warnings = append(warnings, Warningf(WarnMemberExcluded,
				"member %d excluded: no usable rate for %s", member.CompanyID, member.Currency))
			continue
		}

		var raw []AccountBalance
		if err := o.withRetry(ctx, "trial balance", func() error {
			var err error
			raw, err = o.balances.GetTrialBalance(ctx, member.CompanyID, run.AsOfDate)
			return err
		}); err != nil {
			return nil, err
		}

		translated, cta, err := TranslateBalances(table, member, raw)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Op: "translate", Err: err}
		}
		balancesByCompany[member.CompanyID] = translated

		contribution := ConsolidateMember(member, translated, cta, run.Options, scale)
		warnings = append(warnings, contribution.Warnings...)
		contributions = append(contributions, contribution)
	}

	cancelled, err := o.checkCancelled(ctx, run)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, nil
	}

	entries, elimWarnings := EvaluateEliminations(rules, balancesByCompany, o.tolerance, scale)
	for _, w := range elimWarnings {
		if w.Code == WarnUnmatchedIntercompany && !run.Options.SkipValidation {
			fatal = append(fatal, w.Message)
			continue
		}
		warnings = append(warnings, w)
	}

	cancelled, err = o.checkCancelled(ctx, run)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, nil
	}

	if len(fatal) > 0 {
		if !run.Options.ContinueOnWarnings {
			return nil, ValidationError("pipeline", "%s", strings.Join(fatal, "; "))
		}
		for _, msg := range fatal {
			warnings = append(warnings, Warningf(WarnValidationDemoted, "%s", msg))
		}
	}

	result := Aggregate(*run, group.ReportingCurrency, contributions, entries, warnings, o.now())
	return &result, nil
}

// resolveRates prefetches every quote the run needs and snapshots them into
// an immutable table. Lookups run in parallel with a bounded worker count;
// a missing rate is a validation gap, not a fetch failure.
func (o *Orchestrator) resolveRates(ctx context.Context, group Group, members []Member, asOf time.Time) (fx.Table, []string, error) {
	reporting := strings.ToUpper(strings.TrimSpace(group.ReportingCurrency))
	currencies := make(map[string]struct{})
	for _, m := range members {
		cur := strings.ToUpper(strings.TrimSpace(m.Currency))
		if cur != "" && cur != reporting {
			currencies[cur] = struct{}{}
		}
	}

	var mu sync.Mutex
	quotes := make(map[string]fx.Quote, len(currencies))
	missing := make([]string, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.prefetch)
	for cur := range currencies {
		g.Go(func() error {
			quote := fx.Quote{Pair: fx.Pair(cur, reporting), AsOf: asOf}
			var gaps []string
			for _, kind := range []fx.Kind{fx.KindClosing, fx.KindAverage} {
				var rate decimal.Decimal
				err := o.withRetry(gctx, "exchange rate", func() error {
					var err error
					rate, err = o.rates.GetRate(gctx, cur, reporting, asOf, kind)
					if err != nil && errors.Is(err, fx.ErrRateNotFound) {
						rate = decimal.Zero
						return nil
					}
					return err
				})
				if err != nil {
					return err
				}
				if rate.IsZero() {
					gaps = append(gaps, fmt.Sprintf("%s %s", quote.Pair, kind))
					continue
				}
				switch kind {
				case fx.KindClosing:
					quote.Closing = rate
				case fx.KindAverage:
					quote.Average = rate
				}
			}
			mu.Lock()
			defer mu.Unlock()
			if len(gaps) > 0 {
				missing = append(missing, gaps...)
			} else {
				quotes[quote.Pair] = quote
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fx.Table{}, nil, err
	}
	sort.Strings(missing)
	return fx.NewTable(reporting, quotes), missing, nil
}

// checkCancelled implements the cooperative cancellation checkpoint between
// pipeline phases. Observing a requested cancel transitions the run and
// discards partial state.
func (o *Orchestrator) checkCancelled(ctx context.Context, run *Run) (bool, error) {
	requested, err := o.repo.CancelRequested(ctx, run.ID)
	if err != nil {
		return false, InfrastructureError("cancel check", err)
	}
	if !requested {
		return false, nil
	}
	return true, o.cancel(ctx, *run)
}

func (o *Orchestrator) cancel(ctx context.Context, run Run) error {
	at := o.now()
	if err := o.repo.MarkRunCancelled(ctx, run.ID, at); err != nil {
		return InfrastructureError("mark run cancelled", err)
	}
	var duration int64
	if run.StartedAt != nil {
		duration = at.Sub(*run.StartedAt).Milliseconds()
	}
	o.recordTransition(ctx, run, AuditActionRunCancelled, duration, nil)
	o.log().Info("run cancelled", slog.String("run_id", run.ID.String()))
	return nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, run Run, action string, durationMs int64, extra map[string]any) {
	if o.audit == nil {
		return
	}
	meta := map[string]any{
		"group_id":    run.GroupID,
		"period":      run.Period.String(),
		"as_of":       run.AsOfDate.Format("2006-01-02"),
		"duration_ms": durationMs,
		"initiator":   run.InitiatedBy,
	}
	for k, v := range extra {
		meta[k] = v
	}
	if err := o.audit.Record(ctx, shared.AuditLog{
		OrgID:    run.OrgID,
		ActorID:  run.InitiatedBy,
		Action:   action,
		Entity:   AuditEntity,
		EntityID: run.ID.String(),
		Meta:     meta,
		At:       o.now(),
	}); err != nil {
		o.log().Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

// withRetry retries transient collaborator failures with exponential backoff.
// Domain errors pass through untouched on the first attempt.
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := o.backoff
	var err error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var domainErr *Error
		if errors.As(err, &domainErr) && domainErr.Kind != KindInfrastructure {
			return err
		}
		if attempt == o.attempts {
			break
		}
		o.log().Warn("retrying after transient failure",
			slog.String("op", op), slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return InfrastructureError(op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return InfrastructureError(op, err)
}

func (o *Orchestrator) log() *slog.Logger {
	if o != nil && o.logger != nil {
		return o.logger.With(slog.String("component", "consol_orchestrator"))
	}
	return slog.Default().With(slog.String("component", "consol_orchestrator"))
}
