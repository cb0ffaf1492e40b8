package consol

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Aggregate combines member contributions, elimination entries and NCI
// carve-outs into one consolidated trial balance. Amounts are summed
// account-by-account in the reporting currency; lines that net to exactly
// zero are dropped from the consolidated statement. With signed
// debit-positive amounts every input is balanced, so the output sums to zero
// exactly at the reporting currency scale.
func Aggregate(run Run, reportingCurrency string, contributions []MemberContribution, eliminations []EliminationEntry, warnings []Warning, generatedAt time.Time) Result {
	totals := make(map[string]*ResultLine)
	add := func(line ResultLine) {
		b, ok := totals[line.AccountCode]
		if !ok {
			b = &ResultLine{AccountCode: line.AccountCode, AccountName: line.AccountName, Type: line.Type, Amount: decimal.Zero}
			totals[line.AccountCode] = b
		}
		b.Amount = b.Amount.Add(line.Amount)
	}

	nciTotal := decimal.Zero
	ctaTotal := decimal.Zero
	for _, contribution := range contributions {
		for _, line := range contribution.Lines {
			add(line)
		}
		if contribution.NCI != nil {
			for _, line := range contribution.NCI.Lines {
				add(line)
			}
			nciTotal = nciTotal.Add(contribution.NCI.Amount)
		}
		ctaTotal = ctaTotal.Add(contribution.TranslationAdjustment)
	}
	for _, entry := range eliminations {
		for _, line := range entry.Lines {
			add(line)
		}
	}

	lines := make([]ResultLine, 0, len(totals))
	for _, b := range totals {
		if b.Amount.IsZero() {
			continue
		}
		lines = append(lines, *b)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].AccountCode < lines[j].AccountCode })

	return Result{
		RunID:                 run.ID,
		GroupID:               run.GroupID,
		Period:                run.Period,
		ReportingCurrency:     reportingCurrency,
		TrialBalance:          lines,
		Contributions:         contributions,
		Eliminations:          eliminations,
		NCITotal:              nciTotal,
		TranslationAdjustment: ctaTotal,
		Sections:              sectionTotals(lines, nciTotal, ctaTotal),
		Warnings:              warnings,
		GeneratedAt:           generatedAt,
	}
}

// sectionTotals derives summary statement sections in natural presentation
// sign. NCI and the translation adjustment are reported as distinct equity
// components rather than inside the equity section.
func sectionTotals(lines []ResultLine, nci, cta decimal.Decimal) SectionTotals {
	s := SectionTotals{
		Assets:                decimal.Zero,
		Liabilities:           decimal.Zero,
		Equity:                decimal.Zero,
		Revenue:               decimal.Zero,
		Expenses:              decimal.Zero,
		NCI:                   nci,
		TranslationAdjustment: cta.Neg(),
	}
	for _, line := range lines {
		switch {
		case line.AccountCode == AccountCodeNCI:
			// carried in the NCI component; the attribution side stays in
			// equity, reducing the share owned by the parent
		case line.AccountCode == AccountCodeCTA:
			// carried in the translation adjustment component
		case line.Type == AccountAsset:
			s.Assets = s.Assets.Add(line.Amount)
		case line.Type == AccountLiability:
			s.Liabilities = s.Liabilities.Sub(line.Amount)
		case line.Type == AccountEquity:
			s.Equity = s.Equity.Sub(line.Amount)
		case line.Type == AccountRevenue:
			s.Revenue = s.Revenue.Sub(line.Amount)
		case line.Type == AccountExpense:
			s.Expenses = s.Expenses.Add(line.Amount)
		}
	}
	s.NetIncome = s.Revenue.Sub(s.Expenses)
	return s
}
