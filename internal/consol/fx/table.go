package fx

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Table is an immutable snapshot of quotes resolved for one consolidation
// run. Every lookup converts into the reporting currency; the snapshot keeps
// an in-flight run isolated from concurrent rate edits.
type Table struct {
	reporting string
	scale     int32
	quotes    map[string]Quote
}

// NewTable builds a rate snapshot for the reporting currency.
func NewTable(reporting string, quotes map[string]Quote) Table {
	reporting = strings.ToUpper(strings.TrimSpace(reporting))
	copied := make(map[string]Quote, len(quotes))
	for pair, quote := range quotes {
		copied[strings.ToUpper(strings.TrimSpace(pair))] = quote
	}
	return Table{reporting: reporting, scale: Scale(reporting), quotes: copied}
}

// Reporting returns the reporting currency of the snapshot.
func (t Table) Reporting() string {
	return t.reporting
}

// ReportingScale returns the decimal scale used for translated amounts.
func (t Table) ReportingScale() int32 {
	return t.scale
}

// Rate resolves the rate converting one unit of from into the reporting
// currency. The reporting currency itself converts at 1.
func (t Table) Rate(from string, kind Kind) (decimal.Decimal, bool) {
	from = strings.ToUpper(strings.TrimSpace(from))
	if from == "" {
		return decimal.Zero, false
	}
	if from == t.reporting {
		return decimal.NewFromInt(1), true
	}
	quote, ok := t.quotes[Pair(from, t.reporting)]
	if !ok {
		return decimal.Zero, false
	}
	return quote.Rate(kind)
}

// Translate converts a local amount into the reporting currency, rounded to
// the reporting currency scale.
func (t Table) Translate(amount decimal.Decimal, from string, kind Kind) (decimal.Decimal, error) {
	rate, ok := t.Rate(from, kind)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s", ErrRateNotFound, Pair(from, t.reporting), kind)
	}
	return amount.Mul(rate).Round(t.scale), nil
}

// Missing reports the pairs lacking a usable rate for any of the requested
// kinds, sorted for deterministic error messages.
func (t Table) Missing(currencies []string, kinds ...Kind) []string {
	gaps := make(map[string]struct{})
	for _, cur := range currencies {
		cur = strings.ToUpper(strings.TrimSpace(cur))
		if cur == "" || cur == t.reporting {
			continue
		}
		for _, kind := range kinds {
			if _, ok := t.Rate(cur, kind); !ok {
				gaps[fmt.Sprintf("%s %s", Pair(cur, t.reporting), kind)] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(gaps))
	for gap := range gaps {
		out = append(out, gap)
	}
	sort.Strings(out)
	return out
}
