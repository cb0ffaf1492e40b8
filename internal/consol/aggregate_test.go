package consol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// consolidateFixture runs translation, member consolidation and elimination
// over the USD/EUR fixture and aggregates the result.
func consolidateFixture(t *testing.T) Result {
	t.Helper()
	group := usdEurGroup()
	table := usdTable()
	run := pendingRun(group, Options{})

	contributions := make([]MemberContribution, 0, 2)
	balancesByCompany := map[int64][]TranslatedBalance{}
	sources := map[int64][]AccountBalance{1: parentBalances(), 2: subBalances()}
	for _, member := range group.Members {
		translated, cta, err := TranslateBalances(table, member, sources[member.CompanyID])
		require.NoError(t, err)
		balancesByCompany[member.CompanyID] = translated
		contributions = append(contributions, ConsolidateMember(member, translated, cta, run.Options, 2))
	}

	entries, warnings := EvaluateEliminations([]EliminationRule{icRule()}, balancesByCompany, dec("0.01"), 2)
	require.Empty(t, warnings)

	return Aggregate(run, group.ReportingCurrency, contributions, entries, nil, testDate)
}

func TestAggregateProducesBalancedTrialBalance(t *testing.T) {
	result := consolidateFixture(t)

	require.True(t, result.Balanced(), "consolidated trial balance must sum to zero")
	require.Equal(t, "USD", result.ReportingCurrency)
	require.Len(t, result.Contributions, 2)
	require.Len(t, result.Eliminations, 1)
}

func TestAggregateDropsFullyEliminatedLines(t *testing.T) {
	result := consolidateFixture(t)

	for _, line := range result.TrialBalance {
		require.NotEqual(t, "1200", line.AccountCode, "eliminated receivable must not survive")
		require.NotEqual(t, "2100", line.AccountCode, "eliminated payable must not survive")
		require.False(t, line.Amount.IsZero(), "zero lines must be dropped")
	}
}

func TestAggregateSectionTotals(t *testing.T) {
	result := consolidateFixture(t)
	s := result.Sections

	require.True(t, dec("7200").Equal(s.Assets), "assets: %s", s.Assets)
	require.True(t, s.Liabilities.IsZero(), "liabilities: %s", s.Liabilities)
	require.True(t, dec("6260").Equal(s.Equity), "equity: %s", s.Equity)
	require.True(t, dec("1315").Equal(s.Revenue), "revenue: %s", s.Revenue)
	require.True(t, dec("605").Equal(s.Expenses), "expenses: %s", s.Expenses)
	require.True(t, dec("710").Equal(s.NetIncome), "net income: %s", s.NetIncome)
	require.True(t, dec("220").Equal(s.NCI), "nci: %s", s.NCI)
	require.True(t, dec("10").Equal(s.TranslationAdjustment), "cta: %s", s.TranslationAdjustment)

	// accounting identity in presentation signs
	rhs := s.Liabilities.Add(s.Equity).Add(s.NCI).Add(s.TranslationAdjustment).Add(s.NetIncome)
	require.True(t, s.Assets.Equal(rhs), "assets %s != liabilities+equity+nci+cta+net income %s", s.Assets, rhs)
}

func TestAggregateTotals(t *testing.T) {
	result := consolidateFixture(t)

	require.True(t, dec("220").Equal(result.NCITotal))
	require.True(t, dec("-10").Equal(result.TranslationAdjustment))

	sum := decimal.Zero
	for _, line := range result.TrialBalance {
		sum = sum.Add(line.Amount)
	}
	require.True(t, sum.IsZero())
}

func TestAggregateSortsByAccountCode(t *testing.T) {
	result := consolidateFixture(t)
	for i := 1; i < len(result.TrialBalance); i++ {
		require.LessOrEqual(t, result.TrialBalance[i-1].AccountCode, result.TrialBalance[i].AccountCode)
	}
}
