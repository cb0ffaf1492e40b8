package consol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// PGRepository provides pgx-backed persistence for consolidation workloads.
// It implements Repository, ServiceRepository, TrialBalanceSource and
// fx.RateProvider.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a consolidation repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const uniqueViolation = "23505"

// GroupSnapshot loads the group with its members and elimination rules in one
// read. Runs operate on this copy; concurrent edits to membership do not
// affect an in-flight run.
func (r *PGRepository) GroupSnapshot(ctx context.Context, groupID int64) (Group, []EliminationRule, error) {
	if r == nil || r.pool == nil {
		return Group{}, nil, fmt.Errorf("consol repo not initialised")
	}
	const groupQuery = `
SELECT id, org_id, name, reporting_currency, default_method, parent_company_id, active
FROM consol_groups
WHERE id = $1`
	var g Group
	if err := r.pool.QueryRow(ctx, groupQuery, groupID).Scan(
		&g.ID, &g.OrgID, &g.Name, &g.ReportingCurrency, &g.DefaultMethod, &g.ParentCompanyID, &g.Active,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, nil, ErrGroupNotFound
		}
		return Group{}, nil, err
	}

	const memberQuery = `
SELECT m.company_id, c.name, c.currency, m.ownership_pct::text, m.method,
       m.acquisition_date, m.goodwill::text,
       m.is_primary_beneficiary, m.has_controlling_financial_interest, m.active
FROM consol_members m
JOIN companies c ON c.id = m.company_id
WHERE m.group_id = $1
ORDER BY m.company_id`
	rows, err := r.pool.Query(ctx, memberQuery, groupID)
	if err != nil {
		return Group{}, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m Member
		var ownership string
		var goodwill *string
		var primary, controlling *bool
		if err := rows.Scan(&m.CompanyID, &m.CompanyName, &m.Currency, &ownership, &m.Method,
			&m.AcquisitionDate, &goodwill, &primary, &controlling, &m.Active); err != nil {
			return Group{}, nil, err
		}
		if m.OwnershipPct, err = decimal.NewFromString(ownership); err != nil {
			return Group{}, nil, fmt.Errorf("consol: member %d ownership: %w", m.CompanyID, err)
		}
		if goodwill != nil {
			gw, err := decimal.NewFromString(*goodwill)
			if err != nil {
				return Group{}, nil, fmt.Errorf("consol: member %d goodwill: %w", m.CompanyID, err)
			}
			m.Goodwill = &gw
		}
		if primary != nil || controlling != nil {
			det := VIEDetermination{}
			if primary != nil {
				det.IsPrimaryBeneficiary = *primary
			}
			if controlling != nil {
				det.HasControllingFinancialInterest = *controlling
			}
			m.VIE = &det
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return Group{}, nil, err
	}

	rules, err := r.listRules(ctx, groupID)
	if err != nil {
		return Group{}, nil, err
	}
	return g, rules, nil
}

func (r *PGRepository) listRules(ctx context.Context, groupID int64) ([]EliminationRule, error) {
	const query = `
SELECT id, group_id, name, priority, source_company_id, target_company_id,
       source_account, target_account, COALESCE(transaction_type, ''), treatment, portion::text, active
FROM consol_elimination_rules
WHERE group_id = $1
ORDER BY priority, id`
	rows, err := r.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rules := make([]EliminationRule, 0)
	for rows.Next() {
		var rule EliminationRule
		var portion string
		if err := rows.Scan(&rule.ID, &rule.GroupID, &rule.Name, &rule.Priority,
			&rule.SourceCompanyID, &rule.TargetCompanyID, &rule.SourceAccount, &rule.TargetAccount,
			&rule.TransactionType, &rule.Treatment, &portion, &rule.Active); err != nil {
			return nil, err
		}
		if rule.Portion, err = decimal.NewFromString(portion); err != nil {
			return nil, fmt.Errorf("consol: rule %d portion: %w", rule.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// CreateRun inserts a Pending run. A partial unique index on
// (group_id, fiscal_year, period) over non-terminal statuses rejects a second
// concurrent initiation for the same key.
func (r *PGRepository) CreateRun(ctx context.Context, run Run) error {
	const query = `
INSERT INTO consol_runs (
  id, org_id, group_id, fiscal_year, period, as_of_date, status,
  initiated_by, initiated_at, skip_validation, continue_on_warnings,
  include_equity_method_investments, force_regeneration
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.pool.Exec(ctx, query,
		run.ID, run.OrgID, run.GroupID, run.Period.FiscalYear, run.Period.Period,
		run.AsOfDate, run.Status, run.InitiatedBy, run.InitiatedAt,
		run.Options.SkipValidation, run.Options.ContinueOnWarnings,
		run.Options.IncludeEquityMethodInvestments, run.Options.ForceRegeneration)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrRunAlreadyInProgress
		}
		return err
	}
	return nil
}

const runColumns = `
  id, org_id, group_id, fiscal_year, period, as_of_date, status,
  initiated_by, initiated_at, started_at, completed_at, duration_ms,
  COALESCE(error_message, ''), skip_validation, continue_on_warnings,
  include_equity_method_investments, force_regeneration, cancel_requested,
  superseded_by`

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var durationMs *int64
	if err := row.Scan(
		&run.ID, &run.OrgID, &run.GroupID, &run.Period.FiscalYear, &run.Period.Period,
		&run.AsOfDate, &run.Status, &run.InitiatedBy, &run.InitiatedAt,
		&run.StartedAt, &run.CompletedAt, &durationMs, &run.ErrorMessage,
		&run.Options.SkipValidation, &run.Options.ContinueOnWarnings,
		&run.Options.IncludeEquityMethodInvestments, &run.Options.ForceRegeneration,
		&run.CancelRequested, &run.SupersededBy,
	); err != nil {
		return Run{}, err
	}
	if durationMs != nil {
		run.TotalDurationMs = *durationMs
	}
	return run, nil
}

// GetRun fetches a run snapshot with its result when one exists.
func (r *PGRepository) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM consol_runs WHERE id = $1`
	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	if run.Status == StatusCompleted {
		var payload []byte
		err := r.pool.QueryRow(ctx, `SELECT payload FROM consol_results WHERE run_id = $1`, id).Scan(&payload)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Run{}, err
		}
		if len(payload) > 0 {
			var result Result
			if err := json.Unmarshal(payload, &result); err != nil {
				return Run{}, fmt.Errorf("consol: decode result for run %s: %w", id, err)
			}
			run.Result = &result
		}
	}
	return run, nil
}

// ListRuns returns recent runs for a group, newest first.
func (r *PGRepository) ListRuns(ctx context.Context, groupID int64, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM consol_runs WHERE group_id = $1 ORDER BY initiated_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, groupID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestCompletedRun returns the most recent Completed run for the period,
// superseded or not, or nil when none exists.
func (r *PGRepository) LatestCompletedRun(ctx context.Context, groupID int64, period PeriodRef) (*Run, error) {
	query := `SELECT ` + runColumns + `
FROM consol_runs
WHERE group_id = $1 AND fiscal_year = $2 AND period = $3 AND status = $4
ORDER BY completed_at DESC
LIMIT 1`
	run, err := scanRun(r.pool.QueryRow(ctx, query, groupID, period.FiscalYear, period.Period, StatusCompleted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// MarkRunStarted transitions a non-terminal run to InProgress.
func (r *PGRepository) MarkRunStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE consol_runs SET status = $2, started_at = COALESCE(started_at, $3) WHERE id = $1 AND status IN ($4, $2)`,
		id, StatusInProgress, at, StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	return nil
}

// MarkRunCompleted transitions the run to Completed and persists its result
// in the same transaction, so the result exists exactly when the run reports
// success.
func (r *PGRepository) MarkRunCompleted(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("consol: encode result: %w", err)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE consol_runs SET status = $2, completed_at = $3, duration_ms = $4 WHERE id = $1 AND status = $5`,
			id, StatusCompleted, at, durationMs, StatusInProgress)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrRunTerminal
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO consol_results (run_id, payload, generated_at) VALUES ($1, $2, $3)`,
			id, payload, result.GeneratedAt)
		return err
	})
}

// MarkRunFailed transitions the run to Failed with diagnostics. Failed runs
// stay queryable; they are superseded, never deleted.
func (r *PGRepository) MarkRunFailed(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, message string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE consol_runs SET status = $2, completed_at = $3, duration_ms = $4, error_message = $5 WHERE id = $1 AND status IN ($6, $7)`,
		id, StatusFailed, at, durationMs, message, StatusPending, StatusInProgress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	return nil
}

// MarkRunCancelled transitions a non-terminal run to Cancelled.
func (r *PGRepository) MarkRunCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE consol_runs SET status = $2, completed_at = $3 WHERE id = $1 AND status IN ($4, $5)`,
		id, StatusCancelled, at, StatusPending, StatusInProgress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	return nil
}

// MarkRunSuperseded links a completed run to the one that replaced it.
func (r *PGRepository) MarkRunSuperseded(ctx context.Context, id, supersededBy uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE consol_runs SET superseded_by = $2 WHERE id = $1 AND superseded_by IS NULL`,
		id, supersededBy)
	return err
}

// RequestCancel flags a running run for cooperative cancellation.
func (r *PGRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE consol_runs SET cancel_requested = TRUE WHERE id = $1 AND status IN ($2, $3)`,
		id, StatusPending, StatusInProgress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunTerminal
	}
	return nil
}

// CancelRequested reads the cancellation flag checked between pipeline phases.
func (r *PGRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	if err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM consol_runs WHERE id = $1`, id).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, err
	}
	return requested, nil
}

// GetTrialBalance sums posted journal lines per account as of a date, in the
// company's functional currency, signed debit-positive.
func (r *PGRepository) GetTrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]AccountBalance, error) {
	const query = `
SELECT a.id, a.code, a.name, a.type, a.is_distribution,
       COALESCE(SUM(jl.debit - jl.credit), 0)::text AS balance
FROM journal_lines jl
JOIN journal_entries je ON je.id = jl.entry_id
JOIN accounts a ON a.id = jl.account_id
WHERE je.company_id = $1
  AND je.entry_date <= $2
  AND je.status = 'POSTED'
GROUP BY a.id, a.code, a.name, a.type, a.is_distribution
HAVING SUM(jl.debit - jl.credit) <> 0
ORDER BY a.code`
	rows, err := r.pool.Query(ctx, query, companyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := make([]AccountBalance, 0)
	for rows.Next() {
		var bal AccountBalance
		var amount string
		if err := rows.Scan(&bal.AccountID, &bal.AccountCode, &bal.AccountName, &bal.Type, &bal.Distribution, &amount); err != nil {
			return nil, err
		}
		if bal.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("consol: balance for account %s: %w", bal.AccountCode, err)
		}
		balances = append(balances, bal)
	}
	return balances, rows.Err()
}

// GetRate resolves the latest stored rate for the pair on or before the date.
func (r *PGRepository) GetRate(ctx context.Context, from, to string, date time.Time, kind fx.Kind) (decimal.Decimal, error) {
	column := "closing_rate"
	if kind == fx.KindAverage {
		column = "average_rate"
	}
	query := fmt.Sprintf(`
SELECT %s::text
FROM fx_rates
WHERE pair = $1 AND rate_date <= $2 AND %s IS NOT NULL
ORDER BY rate_date DESC
LIMIT 1`, column, column)
	var raw string
	if err := r.pool.QueryRow(ctx, query, fx.Pair(from, to), date).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fx.ErrRateNotFound
		}
		return decimal.Zero, err
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("consol: rate for %s: %w", fx.Pair(from, to), err)
	}
	return rate, nil
}

// GroupCurrencies returns the reporting currency of a group together with the
// distinct functional currencies of its active members.
func (r *PGRepository) GroupCurrencies(ctx context.Context, groupID int64) (string, []string, error) {
	var reporting string
	err := r.pool.QueryRow(ctx, `
SELECT reporting_currency
FROM consol_groups
WHERE id = $1`, groupID).Scan(&reporting)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrGroupNotFound
		}
		return "", nil, err
	}
	rows, err := r.pool.Query(ctx, `
SELECT DISTINCT c.currency
FROM consol_members m
JOIN companies c ON c.id = m.company_id
WHERE m.group_id = $1
ORDER BY c.currency`, groupID)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()
	var currencies []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return "", nil, err
		}
		currencies = append(currencies, code)
	}
	return reporting, currencies, rows.Err()
}

// QuoteOn returns the latest quote for a pair effective on or before a date.
func (r *PGRepository) QuoteOn(ctx context.Context, pair string, date time.Time) (fx.Quote, error) {
	var (
		asOf         time.Time
		avgRaw       *string
		closingRaw   *string
		quote        fx.Quote
		avg, closing decimal.Decimal
	)
	err := r.pool.QueryRow(ctx, `
SELECT rate_date, average_rate::text, closing_rate::text
FROM fx_rates
WHERE pair = $1 AND rate_date <= $2
ORDER BY rate_date DESC
LIMIT 1`, pair, date).Scan(&asOf, &avgRaw, &closingRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fx.Quote{}, fx.ErrRateNotFound
		}
		return fx.Quote{}, err
	}
	if avgRaw != nil {
		if avg, err = decimal.NewFromString(*avgRaw); err != nil {
			return fx.Quote{}, fmt.Errorf("consol: average rate for %s: %w", pair, err)
		}
	}
	if closingRaw != nil {
		if closing, err = decimal.NewFromString(*closingRaw); err != nil {
			return fx.Quote{}, fmt.Errorf("consol: closing rate for %s: %w", pair, err)
		}
	}
	quote = fx.Quote{Pair: pair, AsOf: asOf, Average: avg, Closing: closing}
	return quote, nil
}

// UpsertQuotes inserts or replaces fx quotes keyed by pair and date.
func (r *PGRepository) UpsertQuotes(ctx context.Context, quotes []fx.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, q := range quotes {
			_, err := tx.Exec(ctx, `
INSERT INTO fx_rates (pair, rate_date, average_rate, closing_rate)
VALUES ($1, $2, $3, $4)
ON CONFLICT (pair, rate_date)
DO UPDATE SET average_rate = EXCLUDED.average_rate, closing_rate = EXCLUDED.closing_rate`,
				q.Pair, q.AsOf, q.Average.String(), q.Closing.String())
			if err != nil {
				return fmt.Errorf("consol: upsert quote %s %s: %w", q.Pair, q.AsOf.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}
