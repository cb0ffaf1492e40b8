package consol

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
)

// TranslatedBalance is one member trial balance row converted into the group
// reporting currency, still signed debit-positive.
type TranslatedBalance struct {
	AccountCode  string
	AccountName  string
	Type         AccountType
	Distribution bool
	Amount       decimal.Decimal
}

// Line converts the balance to a consolidated result line.
func (b TranslatedBalance) Line() ResultLine {
	return ResultLine{
		AccountCode: b.AccountCode,
		AccountName: b.AccountName,
		Type:        b.Type,
		Amount:      b.Amount,
	}
}

// TranslateBalances converts a member's trial balance into the group
// reporting currency. Balance sheet accounts translate at the closing rate,
// P&L accounts at the average rate. Because the two rates differ and every
// line is rounded to the reporting currency scale, a balanced local trial
// balance does not translate to an exactly balanced one; the residual is
// plugged into a single translation adjustment line so the member's
// translated balance sums to zero at the reporting scale.
func TranslateBalances(table fx.Table, member Member, balances []AccountBalance) ([]TranslatedBalance, decimal.Decimal, error) {
	lines := make([]TranslatedBalance, 0, len(balances)+1)
	sum := decimal.Zero
	for _, bal := range balances {
		amount, err := table.Translate(bal.Amount, member.Currency, bal.Type.RateKind())
		if err != nil {
			return nil, decimal.Zero, err
		}
		lines = append(lines, TranslatedBalance{
			AccountCode:  bal.AccountCode,
			AccountName:  bal.AccountName,
			Type:         bal.Type,
			Distribution: bal.Distribution,
			Amount:       amount,
		})
		sum = sum.Add(amount)
	}
	cta := sum.Neg()
	if !cta.IsZero() {
		lines = append(lines, TranslatedBalance{
			AccountCode: AccountCodeCTA,
			AccountName: "Translation adjustment",
			Type:        AccountEquity,
			Amount:      cta,
		})
	}
	return lines, cta, nil
}
