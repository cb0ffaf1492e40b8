package consol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func pairedBalances(srcAmount, tgtAmount string) map[int64][]TranslatedBalance {
	return map[int64][]TranslatedBalance{
		1: {{AccountCode: "1200", AccountName: "IC receivable", Type: AccountAsset, Amount: dec(srcAmount)}},
		2: {{AccountCode: "2100", AccountName: "IC payable", Type: AccountLiability, Amount: dec(tgtAmount)}},
	}
}

func TestEvaluateEliminationsReversesMatchedPair(t *testing.T) {
	entries, warnings := EvaluateEliminations([]EliminationRule{icRule()}, pairedBalances("1100", "-1100"), dec("0.01"), 2)

	require.Empty(t, warnings)
	require.Len(t, entries, 1)
	entry := entries[0]
	require.True(t, dec("1100").Equal(entry.Amount))
	require.Len(t, entry.Lines, 2)
	// receivable is a debit balance, so the entry credits it and debits the payable
	require.True(t, dec("-1100").Equal(entry.Lines[0].Amount))
	require.True(t, dec("1100").Equal(entry.Lines[1].Amount))

	sum := decimal.Zero
	for _, line := range entry.Lines {
		sum = sum.Add(line.Amount)
	}
	require.True(t, sum.IsZero())
}

func TestEvaluateEliminationsAppliesRulesInPriorityOrder(t *testing.T) {
	second := icRule()
	second.ID = 2
	second.Name = "late duplicate"
	second.Priority = 20
	first := icRule()

	entries, warnings := EvaluateEliminations([]EliminationRule{second, first}, pairedBalances("1100", "-1100"), dec("0.01"), 2)

	// the lower priority rule consumes the pair; the later one is a no-op
	require.Len(t, entries, 1)
	require.Equal(t, first.ID, entries[0].RuleID)
	require.Len(t, warnings, 1)
	require.Equal(t, WarnDuplicateElimination, warnings[0].Code)
}

func TestEvaluateEliminationsInactiveRulesIgnored(t *testing.T) {
	rule := icRule()
	rule.Active = false

	entries, warnings := EvaluateEliminations([]EliminationRule{rule}, pairedBalances("1100", "-1100"), dec("0.01"), 2)
	require.Empty(t, entries)
	require.Empty(t, warnings)
}

func TestEvaluateEliminationsUnmatchedBalanceWarns(t *testing.T) {
	balances := map[int64][]TranslatedBalance{
		1: {{AccountCode: "1200", AccountName: "IC receivable", Type: AccountAsset, Amount: dec("1100")}},
		2: {},
	}

	entries, warnings := EvaluateEliminations([]EliminationRule{icRule()}, balances, dec("0.01"), 2)
	require.Empty(t, entries)
	require.Len(t, warnings, 1)
	require.Equal(t, WarnUnmatchedIntercompany, warnings[0].Code)
}

func TestEvaluateEliminationsImbalanceBeyondToleranceWarnsButStillEliminates(t *testing.T) {
	entries, warnings := EvaluateEliminations([]EliminationRule{icRule()}, pairedBalances("1100", "-990"), dec("0.01"), 2)

	require.Len(t, warnings, 1)
	require.Equal(t, WarnUnmatchedIntercompany, warnings[0].Code)
	// the matched portion is still removed
	require.Len(t, entries, 1)
	require.True(t, dec("990").Equal(entries[0].Amount))
}

func TestEvaluateEliminationsImbalanceWithinToleranceAccepted(t *testing.T) {
	entries, warnings := EvaluateEliminations([]EliminationRule{icRule()}, pairedBalances("1100", "-1099.995"), dec("0.01"), 2)
	require.Empty(t, warnings)
	require.Len(t, entries, 1)
}

func TestEvaluateEliminationsUnrealizedProfitPortion(t *testing.T) {
	rule := icRule()
	rule.Treatment = TreatmentUnrealizedProfit
	rule.Portion = dec("0.25")

	entries, _ := EvaluateEliminations([]EliminationRule{rule}, pairedBalances("1100", "-1100"), dec("0.01"), 2)
	require.Len(t, entries, 1)
	require.True(t, dec("275").Equal(entries[0].Amount))
}
