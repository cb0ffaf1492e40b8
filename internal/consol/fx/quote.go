package fx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Kind selects which rate of a quote applies to a translation.
type Kind string

const (
	// KindClosing is the period-end spot rate, used for balance sheet accounts.
	KindClosing Kind = "CLOSING"
	// KindAverage is the period-average rate, used for profit and loss accounts.
	KindAverage Kind = "AVERAGE"
)

// ErrRateNotFound indicates no quote is configured for the requested pair.
var ErrRateNotFound = errors.New("fx: rate not found")

// RateProvider supplies rates between a functional and a reporting currency.
type RateProvider interface {
	GetRate(ctx context.Context, from, to string, date time.Time, kind Kind) (decimal.Decimal, error)
}

// Quote carries both rates for a currency pair at a point in time.
type Quote struct {
	Pair    string
	AsOf    time.Time
	Average decimal.Decimal
	Closing decimal.Decimal
}

// Rate returns the rate for the requested kind and whether it is usable.
func (q Quote) Rate(kind Kind) (decimal.Decimal, bool) {
	switch kind {
	case KindAverage:
		return q.Average, q.Average.IsPositive()
	case KindClosing:
		return q.Closing, q.Closing.IsPositive()
	}
	return decimal.Zero, false
}

// Pair builds the canonical pair key for a from/to currency combination.
func Pair(from, to string) string {
	return strings.ToUpper(strings.TrimSpace(from)) + strings.ToUpper(strings.TrimSpace(to))
}

// Scale reports the decimal scale of an ISO 4217 currency. Unknown codes fall
// back to two digits.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}
