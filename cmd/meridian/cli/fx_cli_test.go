package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/consol"
	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
)

type stubRateRepo struct {
	reporting  string
	currencies []string
	quotes     map[string]fx.Quote
	upserted   []fx.Quote
}

func (s *stubRateRepo) GroupCurrencies(ctx context.Context, groupID int64) (string, []string, error) {
	if s.reporting == "" {
		return "", nil, consol.ErrGroupNotFound
	}
	return s.reporting, s.currencies, nil
}

func (s *stubRateRepo) QuoteOn(ctx context.Context, pair string, date time.Time) (fx.Quote, error) {
	quote, ok := s.quotes[strings.ToUpper(pair)]
	if !ok || quote.AsOf.After(date) {
		return fx.Quote{}, fx.ErrRateNotFound
	}
	return quote, nil
}

func (s *stubRateRepo) UpsertQuotes(ctx context.Context, quotes []fx.Quote) error {
	s.upserted = append(s.upserted, quotes...)
	return nil
}

func marchQuote(avg, closing string) fx.Quote {
	return fx.Quote{
		Pair:    "EURUSD",
		AsOf:    time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Average: decimal.RequireFromString(avg),
		Closing: decimal.RequireFromString(closing),
	}
}

func TestValidateCommandJSONSuccess(t *testing.T) {
	repo := &stubRateRepo{
		reporting:  "USD",
		currencies: []string{"EUR", "USD"},
		quotes:     map[string]fx.Quote{"EURUSD": marchQuote("1.05", "1.10")},
	}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.ValidateCommand(context.Background(), FXValidateOptions{
		GroupID:    1,
		Period:     "2026-03",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	var summary FXValidateSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Gaps)
	require.Len(t, summary.AvailableQuotes, 2)
	require.Equal(t, "EURUSD", summary.AvailableQuotes[0].Pair)
}

func TestValidateCommandJSONGaps(t *testing.T) {
	repo := &stubRateRepo{
		reporting:  "USD",
		currencies: []string{"EUR", "USD"},
		quotes:     map[string]fx.Quote{},
	}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.ValidateCommand(context.Background(), FXValidateOptions{
		GroupID:    1,
		Period:     "2026-03",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 10, exitCode)
	require.Empty(t, stderr.String())

	var summary FXValidateSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.False(t, summary.OK)
	require.Len(t, summary.Gaps, 2)
}

func TestValidateCommandInvalidPeriod(t *testing.T) {
	repo := &stubRateRepo{reporting: "USD"}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.ValidateCommand(context.Background(), FXValidateOptions{
		GroupID: 1,
		Period:  "202603",
		Stdout:  stdout,
		Stderr:  stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "invalid period")
}

func TestBackfillDryReportsGaps(t *testing.T) {
	repo := &stubRateRepo{quotes: map[string]fx.Quote{}}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.BackfillCommand(context.Background(), FXBackfillOptions{
		Pair:       "eurusd",
		From:       "2026-02",
		To:         "2026-03",
		Mode:       FXBackfillModeDry,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Equal(t, 10, exitCode)
	require.Empty(t, stderr.String())

	var summary FXBackfillSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, "EURUSD", summary.Pair)
	require.Len(t, summary.Missing, 2)
	require.Equal(t, "2026-02", summary.Missing[0].Period)
	require.ElementsMatch(t, []string{"AVERAGE", "CLOSING"}, summary.Missing[0].Missing)
	require.Empty(t, repo.upserted)
}

func TestBackfillDrySkipsCoveredPeriods(t *testing.T) {
	repo := &stubRateRepo{quotes: map[string]fx.Quote{"EURUSD": marchQuote("1.05", "1.10")}}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stdout := new(bytes.Buffer)
	exitCode := cli.BackfillCommand(context.Background(), FXBackfillOptions{
		Pair:       "EURUSD",
		From:       "2026-03",
		To:         "2026-03",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     new(bytes.Buffer),
	})
	require.Zero(t, exitCode)

	var summary FXBackfillSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Empty(t, summary.Missing)
}

func TestBackfillApplyUpsertsFromSource(t *testing.T) {
	repo := &stubRateRepo{quotes: map[string]fx.Quote{}}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	source := strings.NewReader("period,pair,average,closing\n2026-03,EURUSD,1.05,1.10\n")
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	exitCode := cli.BackfillCommand(context.Background(), FXBackfillOptions{
		Pair:         "EURUSD",
		From:         "2026-03",
		To:           "2026-03",
		Mode:         FXBackfillModeApply,
		SourceReader: source,
		JSONOutput:   true,
		Stdout:       stdout,
		Stderr:       stderr,
		Confirm: func(io.Reader, io.Writer) (bool, error) { return true, nil },
	})
	require.Zero(t, exitCode)
	require.Empty(t, stderr.String())

	require.Len(t, repo.upserted, 1)
	require.Equal(t, "EURUSD", repo.upserted[0].Pair)
	require.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), repo.upserted[0].AsOf)
	require.True(t, repo.upserted[0].Average.Equal(decimal.RequireFromString("1.05")))
	require.True(t, repo.upserted[0].Closing.Equal(decimal.RequireFromString("1.10")))

	var summary FXBackfillSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Len(t, summary.Applied, 1)
	require.Equal(t, "2026-03", summary.Applied[0].Period)
}

func TestBackfillApplyMissingSourceRates(t *testing.T) {
	repo := &stubRateRepo{quotes: map[string]fx.Quote{}}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	stderr := new(bytes.Buffer)
	exitCode := cli.BackfillCommand(context.Background(), FXBackfillOptions{
		Pair:   "EURUSD",
		From:   "2026-03",
		To:     "2026-03",
		Mode:   FXBackfillModeApply,
		Stdout: new(bytes.Buffer),
		Stderr: stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "missing source rates")
	require.Empty(t, repo.upserted)
}

func TestBackfillDeclinedConfirmation(t *testing.T) {
	repo := &stubRateRepo{quotes: map[string]fx.Quote{}}
	cli, err := NewFXOpsCLI(repo)
	require.NoError(t, err)

	source := strings.NewReader("period,pair,average,closing\n2026-03,EURUSD,1.05,1.10\n")
	stderr := new(bytes.Buffer)
	exitCode := cli.BackfillCommand(context.Background(), FXBackfillOptions{
		Pair:         "EURUSD",
		From:         "2026-03",
		To:           "2026-03",
		Mode:         FXBackfillModeApply,
		SourceReader: source,
		Stdin:        strings.NewReader("no\n"),
		Stdout:       new(bytes.Buffer),
		Stderr:       stderr,
	})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "cancelled by user")
	require.Empty(t, repo.upserted)
}
