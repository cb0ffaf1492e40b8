package consol

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ConsolidateMember applies the member's consolidation treatment to its
// translated balances and produces the contribution to the consolidated
// trial balance. Pure function of its inputs; performs no I/O.
func ConsolidateMember(member Member, balances []TranslatedBalance, cta decimal.Decimal, opts Options, scale int32) MemberContribution {
	contribution := MemberContribution{
		CompanyID:             member.CompanyID,
		CompanyName:           member.CompanyName,
		Method:                member.Method,
		TranslationAdjustment: decimal.Zero,
	}

	method := member.Method
	if method == MethodVIE {
		if member.VIE != nil && member.VIE.IsPrimaryBeneficiary {
			method = MethodFull
		} else {
			method = MethodEquity
			contribution.Warnings = append(contribution.Warnings, Warningf(WarnVIEEquityFallback,
				"VIE member %d without primary beneficiary determination consolidated via equity method", member.CompanyID))
		}
	}

	switch method {
	case MethodFull:
		contribution.Lines = fullLines(balances)
		contribution.TranslationAdjustment = cta
		contribution.NCI = nciEntry(member, balances, scale)
	case MethodEquity:
		if !opts.IncludeEquityMethodInvestments {
			contribution.Warnings = append(contribution.Warnings, Warningf(WarnEquityMethodSkipped,
				"equity method member %d excluded; enable include_equity_method_investments to carry the investment", member.CompanyID))
			return contribution
		}
		contribution.Lines = equityLines(member, balances, scale)
	case MethodCost:
		contribution.Lines = costLines(member, balances, scale)
	}
	return contribution
}

func fullLines(balances []TranslatedBalance) []ResultLine {
	lines := make([]ResultLine, 0, len(balances))
	for _, bal := range balances {
		lines = append(lines, bal.Line())
	}
	return lines
}

// nciEntry carves the non-controlling share of the member's net assets out of
// consolidated equity. Nil when ownership is 100% or the share rounds to zero.
func nciEntry(member Member, balances []TranslatedBalance, scale int32) *NCIEntry {
	nciPct := member.NCIPct()
	if !nciPct.IsPositive() {
		return nil
	}
	amount := netAssets(balances).Mul(nciPct).Div(hundred).Round(scale)
	if amount.IsZero() {
		return nil
	}
	return &NCIEntry{
		CompanyID: member.CompanyID,
		Amount:    amount,
		Lines: []ResultLine{
			{AccountCode: AccountCodeNCIAttribution, AccountName: "Equity attributable to NCI", Type: AccountEquity, Amount: amount},
			{AccountCode: AccountCodeNCI, AccountName: "Non-controlling interest", Type: AccountEquity, Amount: amount.Neg()},
		},
	}
}

// equityLines collapses the member into a single investment line and a single
// equity-in-earnings line, both scaled by ownership. The difference, the
// owned share of capital excluding current earnings, offsets consolidated
// equity so the contribution stays balanced.
func equityLines(member Member, balances []TranslatedBalance, scale int32) []ResultLine {
	share := member.OwnershipPct.Div(hundred)
	investment := netAssets(balances).Mul(share).Round(scale)
	earnings := netIncome(balances).Mul(share).Round(scale)
	lines := []ResultLine{
		{AccountCode: AccountCodeEquityInvestment, AccountName: "Investment in " + member.CompanyName, Type: AccountAsset, Amount: investment},
		{AccountCode: AccountCodeEquityEarnings, AccountName: "Equity in earnings of investees", Type: AccountRevenue, Amount: earnings.Neg()},
	}
	offset := investment.Sub(earnings)
	if !offset.IsZero() {
		lines = append(lines, ResultLine{
			AccountCode: AccountCodeInvestmentOffset,
			AccountName: "Investment capital offset",
			Type:        AccountEquity,
			Amount:      offset.Neg(),
		})
	}
	return lines
}

// costLines recognises only distributions received from the member. The
// investment itself stays at historical cost on the parent's own books.
func costLines(member Member, balances []TranslatedBalance, scale int32) []ResultLine {
	dividends := decimal.Zero
	for _, bal := range balances {
		if bal.Distribution {
			dividends = dividends.Add(bal.Amount.Abs())
		}
	}
	if dividends.IsZero() {
		return nil
	}
	share := member.OwnershipPct.Div(hundred)
	amount := dividends.Mul(share).Round(scale)
	if amount.IsZero() {
		return nil
	}
	return []ResultLine{
		{AccountCode: AccountCodeDividendReceivable, AccountName: "Dividends receivable from " + member.CompanyName, Type: AccountAsset, Amount: amount},
		{AccountCode: AccountCodeDividendIncome, AccountName: "Dividend income", Type: AccountRevenue, Amount: amount.Neg()},
	}
}

// netAssets sums the balance sheet exposure: assets carry positive signed
// amounts, liabilities negative ones.
func netAssets(balances []TranslatedBalance) decimal.Decimal {
	total := decimal.Zero
	for _, bal := range balances {
		if bal.Type == AccountAsset || bal.Type == AccountLiability {
			total = total.Add(bal.Amount)
		}
	}
	return total
}

// netIncome derives current earnings from the P&L accounts: revenue is
// credit-negative, so a profitable member yields a positive result.
func netIncome(balances []TranslatedBalance) decimal.Decimal {
	total := decimal.Zero
	for _, bal := range balances {
		if bal.Type == AccountRevenue || bal.Type == AccountExpense {
			total = total.Add(bal.Amount)
		}
	}
	return total.Neg()
}
