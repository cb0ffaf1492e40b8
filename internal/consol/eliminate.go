package consol

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type accountSide struct {
	amount decimal.Decimal
	name   string
	acct   AccountType
	found  bool
}

func sideFor(balances map[int64][]TranslatedBalance, companyID int64, code string) accountSide {
	side := accountSide{amount: decimal.Zero}
	for _, bal := range balances[companyID] {
		if bal.AccountCode != code {
			continue
		}
		side.amount = side.amount.Add(bal.Amount)
		side.name = bal.AccountName
		side.acct = bal.Type
		side.found = true
	}
	return side
}

func pairKey(r EliminationRule) string {
	return fmt.Sprintf("%d|%s|%d|%s", r.SourceCompanyID, r.SourceAccount, r.TargetCompanyID, r.TargetAccount)
}

// EvaluateEliminations matches the configured rules against the full set of
// member balances and produces balanced elimination entries. Rules apply in
// ascending priority order, lower numbers first; entries are additive and a
// later rule matching an already-eliminated pair is a warning no-op, which
// keeps re-runs idempotent. Unmatched intercompany balances beyond the
// tolerance surface as warnings; the orchestrator decides whether they are
// fatal for the run.
func EvaluateEliminations(rules []EliminationRule, balances map[int64][]TranslatedBalance, tolerance decimal.Decimal, scale int32) ([]EliminationEntry, []Warning) {
	ordered := make([]EliminationRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active {
			ordered = append(ordered, rule)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	entries := make([]EliminationEntry, 0, len(ordered))
	warnings := make([]Warning, 0)
	eliminated := make(map[string]decimal.Decimal)

	for _, rule := range ordered {
		src := sideFor(balances, rule.SourceCompanyID, rule.SourceAccount)
		tgt := sideFor(balances, rule.TargetCompanyID, rule.TargetAccount)

		if !src.found || !tgt.found || src.amount.IsZero() || tgt.amount.IsZero() {
			if src.found && !src.amount.IsZero() || tgt.found && !tgt.amount.IsZero() {
				warnings = append(warnings, Warningf(WarnUnmatchedIntercompany,
					"rule %q: %s (%s) has no matched counterpart at %s (%s)",
					rule.Name, accountRef(rule.SourceCompanyID, rule.SourceAccount),
					src.amount, accountRef(rule.TargetCompanyID, rule.TargetAccount), tgt.amount))
			}
			continue
		}

		// both sides present: they should net to zero within tolerance
		imbalance := src.amount.Add(tgt.amount).Abs()
		if imbalance.GreaterThan(tolerance) {
			warnings = append(warnings, Warningf(WarnUnmatchedIntercompany,
				"rule %q: intercompany pair %s / %s out of balance by %s",
				rule.Name, accountRef(rule.SourceCompanyID, rule.SourceAccount),
				accountRef(rule.TargetCompanyID, rule.TargetAccount), imbalance))
		}

		key := pairKey(rule)
		prior := eliminated[key]
		srcRemaining := src.amount.Abs().Sub(prior)
		tgtRemaining := tgt.amount.Abs().Sub(prior)
		matched := decimal.Min(srcRemaining, tgtRemaining)
		if !matched.IsPositive() {
			warnings = append(warnings, Warningf(WarnDuplicateElimination,
				"rule %q: pair %s / %s already fully eliminated, entry skipped",
				rule.Name, accountRef(rule.SourceCompanyID, rule.SourceAccount),
				accountRef(rule.TargetCompanyID, rule.TargetAccount)))
			continue
		}

		amount := matched.Mul(rule.EffectivePortion()).Round(scale)
		if amount.IsZero() {
			warnings = append(warnings, Warningf(WarnNothingToEliminate,
				"rule %q: matched amount rounds to zero", rule.Name))
			continue
		}
		eliminated[key] = prior.Add(amount)

		srcLine := ResultLine{AccountCode: rule.SourceAccount, AccountName: src.name, Type: src.acct}
		tgtLine := ResultLine{AccountCode: rule.TargetAccount, AccountName: tgt.name, Type: tgt.acct}
		if src.amount.IsPositive() {
			srcLine.Amount = amount.Neg()
			tgtLine.Amount = amount
		} else {
			srcLine.Amount = amount
			tgtLine.Amount = amount.Neg()
		}

		entries = append(entries, EliminationEntry{
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			Priority:        rule.Priority,
			SourceCompanyID: rule.SourceCompanyID,
			TargetCompanyID: rule.TargetCompanyID,
			SourceAccount:   rule.SourceAccount,
			TargetAccount:   rule.TargetAccount,
			Amount:          amount,
			Lines:           []ResultLine{srcLine, tgtLine},
		})
	}
	return entries, warnings
}

func accountRef(companyID int64, code string) string {
	return fmt.Sprintf("company %d account %s", companyID, code)
}
