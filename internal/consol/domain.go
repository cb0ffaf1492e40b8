package consol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
)

// PeriodRef identifies a fiscal reporting period.
type PeriodRef struct {
	FiscalYear int `json:"fiscal_year"`
	Period     int `json:"period"`
}

// String renders the canonical YYYY-PP form used in lock keys and logs.
func (p PeriodRef) String() string {
	return fmt.Sprintf("%04d-%02d", p.FiscalYear, p.Period)
}

// Validate checks the period reference is plausible.
func (p PeriodRef) Validate() error {
	if p.FiscalYear < 1900 || p.FiscalYear > 9999 {
		return errors.New("consol: fiscal year out of range")
	}
	if p.Period < 1 || p.Period > 13 {
		return errors.New("consol: period must be between 1 and 13")
	}
	return nil
}

// Method enumerates consolidation treatments for a member.
type Method string

const (
	// MethodFull consolidates 100% of the member with an NCI carve-out.
	MethodFull Method = "FULL"
	// MethodEquity carries the member as a single investment line.
	MethodEquity Method = "EQUITY"
	// MethodCost carries the investment at historical cost.
	MethodCost Method = "COST"
	// MethodVIE consolidates based on the primary-beneficiary assessment.
	MethodVIE Method = "VIE"
)

// Valid reports whether the method is one of the supported treatments.
func (m Method) Valid() bool {
	switch m {
	case MethodFull, MethodEquity, MethodCost, MethodVIE:
		return true
	}
	return false
}

// VIEDetermination records the control assessment for a variable interest
// entity member.
type VIEDetermination struct {
	IsPrimaryBeneficiary            bool `json:"is_primary_beneficiary"`
	HasControllingFinancialInterest bool `json:"has_controlling_financial_interest"`
}

// Member is one company inside a consolidation group.
type Member struct {
	CompanyID       int64
	CompanyName     string
	Currency        string
	OwnershipPct    decimal.Decimal
	Method          Method
	AcquisitionDate time.Time
	Goodwill        *decimal.Decimal
	VIE             *VIEDetermination
	Active          bool
}

// NCIPct derives the non-controlling interest percentage.
func (m Member) NCIPct() decimal.Decimal {
	return decimal.NewFromInt(100).Sub(m.OwnershipPct)
}

// EligibleAt reports whether the member is consolidated at the as-of date.
// Members acquired after the date are not yet part of the group.
func (m Member) EligibleAt(asOf time.Time) bool {
	return m.Active && !m.AcquisitionDate.After(asOf)
}

// Validate checks member configuration.
func (m Member) Validate() error {
	if m.CompanyID <= 0 {
		return errors.New("consol: member company id required")
	}
	if strings.TrimSpace(m.Currency) == "" {
		return fmt.Errorf("consol: member %d functional currency required", m.CompanyID)
	}
	if !m.OwnershipPct.IsPositive() || m.OwnershipPct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("consol: member %d ownership must be in (0, 100]", m.CompanyID)
	}
	if !m.Method.Valid() {
		return fmt.Errorf("consol: member %d has unknown method %q", m.CompanyID, m.Method)
	}
	if m.Method == MethodVIE && m.VIE == nil {
		return fmt.Errorf("consol: member %d uses VIE method without a VIE determination", m.CompanyID)
	}
	return nil
}

// Group is a parent company plus its members, treated as one reporting entity.
type Group struct {
	ID                int64
	OrgID             int64
	Name              string
	ReportingCurrency string
	DefaultMethod     Method
	ParentCompanyID   int64
	Members           []Member
	Active            bool
}

// Validate checks group-level invariants: exactly one parent, distinct member
// companies, valid members.
func (g Group) Validate() error {
	if g.ParentCompanyID <= 0 {
		return errors.New("consol: group requires a parent company")
	}
	if strings.TrimSpace(g.ReportingCurrency) == "" {
		return errors.New("consol: group reporting currency required")
	}
	seen := make(map[int64]struct{}, len(g.Members))
	for _, m := range g.Members {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.CompanyID]; dup {
			return fmt.Errorf("consol: company %d appears twice in group %d", m.CompanyID, g.ID)
		}
		seen[m.CompanyID] = struct{}{}
	}
	if len(g.Members) > 0 {
		if _, ok := seen[g.ParentCompanyID]; !ok {
			return fmt.Errorf("consol: parent company %d must be a member of group %d", g.ParentCompanyID, g.ID)
		}
	}
	return nil
}

// AccountType classifies a trial balance account for translation and
// statement sectioning.
type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
)

// RateKind maps the account class to the FX rate used for translation:
// balance sheet accounts translate at closing, P&L accounts at average.
func (t AccountType) RateKind() fx.Kind {
	switch t {
	case AccountRevenue, AccountExpense:
		return fx.KindAverage
	}
	return fx.KindClosing
}

// BalanceSheet reports whether the account belongs to the balance sheet.
func (t AccountType) BalanceSheet() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity:
		return true
	}
	return false
}

// AccountBalance is one posted balance in a member's functional currency.
// Amounts are signed debit-positive: assets and expenses carry positive
// normal balances, liabilities, equity and revenue negative ones.
type AccountBalance struct {
	AccountID    int64
	AccountCode  string
	AccountName  string
	Type         AccountType
	Distribution bool
	Amount       decimal.Decimal
}

// TrialBalanceSource supplies a company's posted balances as of a date.
type TrialBalanceSource interface {
	GetTrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]AccountBalance, error)
}

// Treatment selects how much of a matched intercompany balance a rule removes.
type Treatment string

const (
	// TreatmentFullReversal eliminates the full matched amount.
	TreatmentFullReversal Treatment = "FULL_REVERSAL"
	// TreatmentUnrealizedProfit eliminates only the configured portion,
	// typically the unrealised profit margin in the balance.
	TreatmentUnrealizedProfit Treatment = "UNREALIZED_PROFIT"
)

// EliminationRule removes intercompany balances between two member companies.
// Rules never mutate source ledgers; they are evaluated per run.
type EliminationRule struct {
	ID              int64
	GroupID         int64
	Name            string
	Priority        int
	SourceCompanyID int64
	TargetCompanyID int64
	SourceAccount   string
	TargetAccount   string
	TransactionType string
	Treatment       Treatment
	Portion         decimal.Decimal
	Active          bool
}

// Validate checks the rule is coherent.
func (r EliminationRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("consol: elimination rule name required")
	}
	if r.SourceCompanyID == 0 || r.TargetCompanyID == 0 {
		return errors.New("consol: elimination rule company pair required")
	}
	if r.SourceCompanyID == r.TargetCompanyID {
		return errors.New("consol: elimination rule companies must differ")
	}
	if strings.TrimSpace(r.SourceAccount) == "" || strings.TrimSpace(r.TargetAccount) == "" {
		return errors.New("consol: elimination rule account codes required")
	}
	switch r.Treatment {
	case TreatmentFullReversal:
	case TreatmentUnrealizedProfit:
		if !r.Portion.IsPositive() || r.Portion.GreaterThan(decimal.NewFromInt(1)) {
			return errors.New("consol: unrealized profit portion must be in (0, 1]")
		}
	default:
		return fmt.Errorf("consol: unknown elimination treatment %q", r.Treatment)
	}
	return nil
}

// EffectivePortion returns the fraction of the matched balance to eliminate.
func (r EliminationRule) EffectivePortion() decimal.Decimal {
	if r.Treatment == TreatmentUnrealizedProfit {
		return r.Portion
	}
	return decimal.NewFromInt(1)
}

// Status captures the lifecycle of a consolidation run.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// String implements fmt.Stringer for logging.
func (s Status) String() string {
	return string(s)
}

// Options are the flags supplied when a run is initiated. Any bypass of
// validation is an explicit option here, never ambient state.
type Options struct {
	SkipValidation                 bool `json:"skip_validation"`
	ContinueOnWarnings             bool `json:"continue_on_warnings"`
	IncludeEquityMethodInvestments bool `json:"include_equity_method_investments"`
	ForceRegeneration              bool `json:"force_regeneration"`
}

// Run is the unit of audit and idempotence for one consolidation execution.
// Once terminal it is immutable; a corrected run is a new run.
type Run struct {
	ID              uuid.UUID
	OrgID           int64
	GroupID         int64
	Period          PeriodRef
	AsOfDate        time.Time
	Status          Status
	InitiatedBy     int64
	InitiatedAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	TotalDurationMs int64
	ErrorMessage    string
	Options         Options
	CancelRequested bool
	SupersededBy    *uuid.UUID
	Result          *Result
}

// Warning codes attached to a run result.
const (
	WarnMissingRate           = "MISSING_RATE"
	WarnMemberExcluded        = "MEMBER_EXCLUDED"
	WarnVIEEquityFallback     = "VIE_EQUITY_FALLBACK"
	WarnEquityMethodSkipped   = "EQUITY_METHOD_SKIPPED"
	WarnUnmatchedIntercompany = "UNMATCHED_INTERCOMPANY"
	WarnDuplicateElimination  = "DUPLICATE_ELIMINATION"
	WarnNothingToEliminate    = "NOTHING_TO_ELIMINATE"
	WarnValidationDemoted     = "VALIDATION_DEMOTED"
)

// Warning is a non-fatal observation collected during a run.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warningf builds a warning with a formatted message.
func Warningf(code, format string, args ...any) Warning {
	return Warning{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Synthetic account codes produced by the engine itself.
const (
	AccountCodeCTA                = "CTA"
	AccountCodeNCI                = "NCI"
	AccountCodeNCIAttribution     = "NCI-ATTR"
	AccountCodeEquityInvestment   = "INV-EQM"
	AccountCodeEquityEarnings     = "EQE"
	AccountCodeInvestmentOffset   = "INV-OFF"
	AccountCodeDividendReceivable = "DIV-REC"
	AccountCodeDividendIncome     = "DIV-INC"
)

// ResultLine is one consolidated trial balance line in the group reporting
// currency, signed debit-positive.
type ResultLine struct {
	AccountCode string          `json:"account_code"`
	AccountName string          `json:"account_name"`
	Type        AccountType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
}

// NCIEntry is the non-controlling interest carve-out for one member: a
// balanced pair charging consolidated equity and crediting the NCI component.
type NCIEntry struct {
	CompanyID int64           `json:"company_id"`
	Amount    decimal.Decimal `json:"amount"`
	Lines     []ResultLine    `json:"lines"`
}

// MemberContribution is a member's translated, method-adjusted contribution
// to the consolidated trial balance.
type MemberContribution struct {
	CompanyID             int64           `json:"company_id"`
	CompanyName           string          `json:"company_name"`
	Method                Method          `json:"method"`
	Lines                 []ResultLine    `json:"lines"`
	NCI                   *NCIEntry       `json:"nci,omitempty"`
	TranslationAdjustment decimal.Decimal `json:"translation_adjustment"`
	Warnings              []Warning       `json:"warnings,omitempty"`
}

// EliminationEntry is one applied elimination: a balanced reversal of an
// intercompany pair, attributed to the rule that produced it.
type EliminationEntry struct {
	RuleID          int64           `json:"rule_id"`
	RuleName        string          `json:"rule_name"`
	Priority        int             `json:"priority"`
	SourceCompanyID int64           `json:"source_company_id"`
	TargetCompanyID int64           `json:"target_company_id"`
	SourceAccount   string          `json:"source_account"`
	TargetAccount   string          `json:"target_account"`
	Amount          decimal.Decimal `json:"amount"`
	Lines           []ResultLine    `json:"lines"`
}

// SectionTotals summarises statement sections of the consolidated balance.
// All values are positive in their natural presentation sign.
type SectionTotals struct {
	Assets                decimal.Decimal `json:"assets"`
	Liabilities           decimal.Decimal `json:"liabilities"`
	Equity                decimal.Decimal `json:"equity"`
	Revenue               decimal.Decimal `json:"revenue"`
	Expenses              decimal.Decimal `json:"expenses"`
	NetIncome             decimal.Decimal `json:"net_income"`
	NCI                   decimal.Decimal `json:"nci"`
	TranslationAdjustment decimal.Decimal `json:"translation_adjustment"`
}

// Result is the consolidated output of a completed run. It is owned by the
// run that produced it and never mutated afterwards.
type Result struct {
	RunID                 uuid.UUID            `json:"run_id"`
	GroupID               int64                `json:"group_id"`
	Period                PeriodRef            `json:"period"`
	ReportingCurrency     string               `json:"reporting_currency"`
	TrialBalance          []ResultLine         `json:"trial_balance"`
	Contributions         []MemberContribution `json:"contributions"`
	Eliminations          []EliminationEntry   `json:"eliminations"`
	NCITotal              decimal.Decimal      `json:"nci_total"`
	TranslationAdjustment decimal.Decimal      `json:"translation_adjustment"`
	Sections              SectionTotals        `json:"sections"`
	Warnings              []Warning            `json:"warnings,omitempty"`
	GeneratedAt           time.Time            `json:"generated_at"`
}

// Balanced reports whether total debits equal total credits exactly: with
// signed amounts the consolidated trial balance must sum to zero.
func (r Result) Balanced() bool {
	sum := decimal.Zero
	for _, line := range r.TrialBalance {
		sum = sum.Add(line.Amount)
	}
	return sum.IsZero()
}
