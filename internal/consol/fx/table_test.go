package fx

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) Table {
	t.Helper()
	return NewTable("USD", map[string]Quote{
		"EURUSD": {
			Pair:    "EURUSD",
			AsOf:    time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			Average: decimal.RequireFromString("1.08"),
			Closing: decimal.RequireFromString("1.10"),
		},
		"JPYUSD": {
			Pair:    "JPYUSD",
			AsOf:    time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			Closing: decimal.RequireFromString("0.0067"),
		},
	})
}

func TestTableTranslateRoundsToReportingScale(t *testing.T) {
	table := testTable(t)

	got, err := table.Translate(decimal.RequireFromString("1000.555"), "EUR", KindClosing)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.RequireFromString("1100.61")), "got %s", got)

	avg, err := table.Translate(decimal.RequireFromString("100"), "EUR", KindAverage)
	require.NoError(t, err)
	require.True(t, avg.Equal(decimal.RequireFromString("108")), "got %s", avg)
}

func TestTableReportingCurrencyIsIdentity(t *testing.T) {
	table := testTable(t)
	amount := decimal.RequireFromString("42.42")

	got, err := table.Translate(amount, "USD", KindAverage)
	require.NoError(t, err)
	require.True(t, got.Equal(amount))
}

func TestTableMissingRates(t *testing.T) {
	table := testTable(t)

	// JPY has no average rate configured.
	gaps := table.Missing([]string{"EUR", "JPY", "USD"}, KindAverage, KindClosing)
	require.Equal(t, []string{"JPYUSD AVERAGE"}, gaps)

	_, err := table.Translate(decimal.New(1, 0), "GBP", KindClosing)
	require.ErrorIs(t, err, ErrRateNotFound)
}

func TestScaleFallsBackToTwoDigits(t *testing.T) {
	require.EqualValues(t, 2, Scale("USD"))
	require.EqualValues(t, 0, Scale("JPY"))
	require.EqualValues(t, 2, Scale("???"))
}
