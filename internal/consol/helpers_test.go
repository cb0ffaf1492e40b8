package consol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var testDate = time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

// memRepo is an in-memory Repository and ServiceRepository.
type memRepo struct {
	mu            sync.Mutex
	group         Group
	rules         []EliminationRule
	groupErr      error
	failSnapshots int
	runs          map[uuid.UUID]*Run
	results       map[uuid.UUID]Result
}

func newMemRepo(group Group, rules []EliminationRule) *memRepo {
	return &memRepo{
		group:   group,
		rules:   rules,
		runs:    map[uuid.UUID]*Run{},
		results: map[uuid.UUID]Result{},
	}
}

func (r *memRepo) putRun(run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := run
	r.runs[run.ID] = &copied
}

func (r *memRepo) run(id uuid.UUID) Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.runs[id]
}

func (r *memRepo) GroupSnapshot(ctx context.Context, groupID int64) (Group, []EliminationRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSnapshots > 0 {
		r.failSnapshots--
		return Group{}, nil, fmt.Errorf("connection reset")
	}
	if r.groupErr != nil {
		return Group{}, nil, r.groupErr
	}
	if r.group.ID != groupID {
		return Group{}, nil, ErrGroupNotFound
	}
	return r.group, r.rules, nil
}

func (r *memRepo) CreateRun(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.GroupID == run.GroupID && existing.Period == run.Period && !existing.Status.Terminal() {
			return ErrRunAlreadyInProgress
		}
	}
	copied := run
	r.runs[run.ID] = &copied
	return nil
}

func (r *memRepo) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	out := *run
	if result, ok := r.results[id]; ok {
		copied := result
		out.Result = &copied
	}
	return out, nil
}

func (r *memRepo) ListRuns(ctx context.Context, groupID int64, limit int) ([]Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]Run, 0)
	for _, run := range r.runs {
		if run.GroupID == groupID {
			runs = append(runs, *run)
		}
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *memRepo) LatestCompletedRun(ctx context.Context, groupID int64, period PeriodRef) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Run
	for _, run := range r.runs {
		if run.GroupID != groupID || run.Period != period || run.Status != StatusCompleted {
			continue
		}
		if latest == nil || (run.CompletedAt != nil && latest.CompletedAt != nil && run.CompletedAt.After(*latest.CompletedAt)) {
			latest = run
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (r *memRepo) MarkRunStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	run.Status = StatusInProgress
	run.StartedAt = &at
	return nil
}

func (r *memRepo) MarkRunCompleted(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, result Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusInProgress {
		return ErrRunTerminal
	}
	run.Status = StatusCompleted
	run.CompletedAt = &at
	run.TotalDurationMs = durationMs
	r.results[id] = result
	return nil
}

func (r *memRepo) MarkRunFailed(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	run.Status = StatusFailed
	run.CompletedAt = &at
	run.TotalDurationMs = durationMs
	run.ErrorMessage = message
	return nil
}

func (r *memRepo) MarkRunCancelled(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	run.Status = StatusCancelled
	run.CompletedAt = &at
	return nil
}

func (r *memRepo) MarkRunSuperseded(ctx context.Context, id, supersededBy uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.SupersededBy == nil {
		run.SupersededBy = &supersededBy
	}
	return nil
}

func (r *memRepo) RequestCancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	run.CancelRequested = true
	return nil
}

func (r *memRepo) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	return run.CancelRequested, nil
}

// memBalances serves trial balances keyed by company, with an optional hook
// fired after each fetch.
type memBalances struct {
	mu       sync.Mutex
	byCo     map[int64][]AccountBalance
	fetchErr map[int64]int
	onFetch  func(companyID int64)
}

func (b *memBalances) GetTrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]AccountBalance, error) {
	b.mu.Lock()
	if n := b.fetchErr[companyID]; n > 0 {
		b.fetchErr[companyID] = n - 1
		b.mu.Unlock()
		return nil, fmt.Errorf("connection reset")
	}
	balances := b.byCo[companyID]
	hook := b.onFetch
	b.mu.Unlock()
	if hook != nil {
		hook(companyID)
	}
	return balances, nil
}

// memRates serves quotes keyed by pair and kind.
type memRates struct {
	rates map[string]map[fx.Kind]decimal.Decimal
}

func (r *memRates) GetRate(ctx context.Context, from, to string, date time.Time, kind fx.Kind) (decimal.Decimal, error) {
	byKind, ok := r.rates[fx.Pair(from, to)]
	if !ok {
		return decimal.Zero, fx.ErrRateNotFound
	}
	rate, ok := byKind[kind]
	if !ok {
		return decimal.Zero, fx.ErrRateNotFound
	}
	return rate, nil
}

// memLocker grants locks unless the key is pre-held.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker { return &memLocker{held: map[string]bool{}} }

type memLock struct {
	locker *memLocker
	key    string
}

func (l *memLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

func (l *memLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (shared.Unlocker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, shared.ErrLockHeld
	}
	l.held[key] = true
	return &memLock{locker: l, key: key}, nil
}

// memAudit records audit entries in memory.
type memAudit struct {
	mu      sync.Mutex
	records []shared.AuditLog
}

func (a *memAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, log)
	return nil
}

func (a *memAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, rec := range a.records {
		out = append(out, rec.Action)
	}
	return out
}

// usdEurGroup is the canonical two-member fixture: parent P in USD and an 80%
// fully consolidated subsidiary S in EUR.
func usdEurGroup() Group {
	return Group{
		ID:                1,
		OrgID:             10,
		Name:              "Meridian Holdings",
		ReportingCurrency: "USD",
		DefaultMethod:     MethodFull,
		ParentCompanyID:   1,
		Active:            true,
		Members: []Member{
			{CompanyID: 1, CompanyName: "Parent Corp", Currency: "USD", OwnershipPct: dec("100"), Method: MethodFull, AcquisitionDate: testDate.AddDate(-5, 0, 0), Active: true},
			{CompanyID: 2, CompanyName: "Sub GmbH", Currency: "EUR", OwnershipPct: dec("80"), Method: MethodFull, AcquisitionDate: testDate.AddDate(-2, 0, 0), Active: true},
		},
	}
}

// parentBalances is a balanced USD trial balance with a 1,100 intercompany
// receivable from the subsidiary.
func parentBalances() []AccountBalance {
	return []AccountBalance{
		{AccountID: 1, AccountCode: "1000", AccountName: "Cash", Type: AccountAsset, Amount: dec("5000")},
		{AccountID: 2, AccountCode: "1200", AccountName: "IC receivable", Type: AccountAsset, Amount: dec("1100")},
		{AccountID: 3, AccountCode: "3000", AccountName: "Share capital", Type: AccountEquity, Amount: dec("-5600")},
		{AccountID: 4, AccountCode: "4000", AccountName: "Revenue", Type: AccountRevenue, Amount: dec("-1000")},
		{AccountID: 5, AccountCode: "5000", AccountName: "Operating expenses", Type: AccountExpense, Amount: dec("500")},
	}
}

// subBalances is a balanced EUR trial balance with a 1,000 intercompany
// payable to the parent.
func subBalances() []AccountBalance {
	return []AccountBalance{
		{AccountID: 11, AccountCode: "1000", AccountName: "Cash", Type: AccountAsset, Amount: dec("2000")},
		{AccountID: 12, AccountCode: "2100", AccountName: "IC payable", Type: AccountLiability, Amount: dec("-1000")},
		{AccountID: 13, AccountCode: "3000", AccountName: "Share capital", Type: AccountEquity, Amount: dec("-800")},
		{AccountID: 14, AccountCode: "4000", AccountName: "Revenue", Type: AccountRevenue, Amount: dec("-300")},
		{AccountID: 15, AccountCode: "5000", AccountName: "Operating expenses", Type: AccountExpense, Amount: dec("100")},
	}
}

func eurUsdRates() *memRates {
	return &memRates{rates: map[string]map[fx.Kind]decimal.Decimal{
		"EURUSD": {fx.KindClosing: dec("1.10"), fx.KindAverage: dec("1.05")},
	}}
}

func icRule() EliminationRule {
	return EliminationRule{
		ID: 1, GroupID: 1, Name: "IC loan", Priority: 10,
		SourceCompanyID: 1, TargetCompanyID: 2,
		SourceAccount: "1200", TargetAccount: "2100",
		Treatment: TreatmentFullReversal, Active: true,
	}
}

func usdTable() fx.Table {
	return fx.NewTable("USD", map[string]fx.Quote{
		"EURUSD": {Pair: "EURUSD", AsOf: testDate, Closing: dec("1.10"), Average: dec("1.05")},
	})
}

func pendingRun(group Group, opts Options) Run {
	return Run{
		ID:          uuid.New(),
		OrgID:       group.OrgID,
		GroupID:     group.ID,
		Period:      PeriodRef{FiscalYear: 2026, Period: 3},
		AsOfDate:    testDate,
		Status:      StatusPending,
		InitiatedBy: 42,
		InitiatedAt: testDate,
		Options:     opts,
	}
}
