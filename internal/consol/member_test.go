package consol

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func contributionSum(c MemberContribution) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range c.Lines {
		sum = sum.Add(line.Amount)
	}
	if c.NCI != nil {
		for _, line := range c.NCI.Lines {
			sum = sum.Add(line.Amount)
		}
	}
	return sum
}

func translatedSub(t *testing.T) []TranslatedBalance {
	t.Helper()
	member := usdEurGroup().Members[1]
	lines, _, err := TranslateBalances(usdTable(), member, subBalances())
	require.NoError(t, err)
	return lines
}

func TestConsolidateMemberFullCarvesOutNCI(t *testing.T) {
	member := usdEurGroup().Members[1]
	balances := translatedSub(t)

	contribution := ConsolidateMember(member, balances, dec("-10"), Options{}, 2)

	require.Equal(t, MethodFull, contribution.Method)
	require.Len(t, contribution.Lines, len(balances))
	require.NotNil(t, contribution.NCI)
	// 20% of translated net assets: 0.20 * (2200 - 1100)
	require.True(t, dec("220").Equal(contribution.NCI.Amount), "nci: %s", contribution.NCI.Amount)
	require.Len(t, contribution.NCI.Lines, 2)
	require.True(t, contributionSum(contribution).IsZero())
}

func TestConsolidateMemberFullWhollyOwnedHasNoNCI(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.OwnershipPct = dec("100")

	contribution := ConsolidateMember(member, translatedSub(t), dec("-10"), Options{}, 2)
	require.Nil(t, contribution.NCI)
}

func TestConsolidateMemberEquitySkippedByDefault(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.Method = MethodEquity
	member.OwnershipPct = dec("30")

	contribution := ConsolidateMember(member, translatedSub(t), dec("-10"), Options{}, 2)

	require.Empty(t, contribution.Lines)
	require.Nil(t, contribution.NCI)
	require.Len(t, contribution.Warnings, 1)
	require.Equal(t, WarnEquityMethodSkipped, contribution.Warnings[0].Code)
}

func TestConsolidateMemberEquityCarriesInvestmentLine(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.Method = MethodEquity
	member.OwnershipPct = dec("30")

	contribution := ConsolidateMember(member, translatedSub(t), dec("-10"), Options{IncludeEquityMethodInvestments: true}, 2)

	byCode := map[string]ResultLine{}
	for _, line := range contribution.Lines {
		byCode[line.AccountCode] = line
	}
	// 30% of translated net assets 1100 and of net income 210
	require.True(t, dec("330").Equal(byCode[AccountCodeEquityInvestment].Amount))
	require.True(t, dec("-63").Equal(byCode[AccountCodeEquityEarnings].Amount))
	require.True(t, contributionSum(contribution).IsZero())
	require.Empty(t, contribution.Warnings)
}

func TestConsolidateMemberCostRecognisesDistributionsOnly(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.Method = MethodCost
	member.OwnershipPct = dec("10")

	balances := translatedSub(t)
	contribution := ConsolidateMember(member, balances, dec("-10"), Options{}, 2)
	require.Empty(t, contribution.Lines)

	balances = append(balances, TranslatedBalance{
		AccountCode: "3900", AccountName: "Dividends declared", Type: AccountEquity,
		Distribution: true, Amount: dec("500"),
	})
	contribution = ConsolidateMember(member, balances, dec("-10"), Options{}, 2)
	require.Len(t, contribution.Lines, 2)
	require.True(t, dec("50").Equal(contribution.Lines[0].Amount))
	require.True(t, contributionSum(contribution).IsZero())
}

func TestConsolidateMemberVIEPrimaryBeneficiaryConsolidatesFully(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.Method = MethodVIE
	member.VIE = &VIEDetermination{IsPrimaryBeneficiary: true, HasControllingFinancialInterest: true}

	contribution := ConsolidateMember(member, translatedSub(t), dec("-10"), Options{}, 2)

	require.NotNil(t, contribution.NCI)
	require.Empty(t, contribution.Warnings)
	require.Len(t, contribution.Lines, len(translatedSub(t)))
}

func TestConsolidateMemberVIENonPrimaryFallsBackToEquity(t *testing.T) {
	member := usdEurGroup().Members[1]
	member.Method = MethodVIE
	member.VIE = &VIEDetermination{IsPrimaryBeneficiary: false}

	contribution := ConsolidateMember(member, translatedSub(t), dec("-10"), Options{IncludeEquityMethodInvestments: true}, 2)

	require.Nil(t, contribution.NCI)
	codes := map[string]bool{}
	for _, w := range contribution.Warnings {
		codes[w.Code] = true
	}
	require.True(t, codes[WarnVIEEquityFallback])
}
