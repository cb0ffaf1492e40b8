package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
)

// FXBackfillMode selects between a read-only gap report and a write.
type FXBackfillMode string

const (
	FXBackfillModeDry   FXBackfillMode = "dry"
	FXBackfillModeApply FXBackfillMode = "apply"
)

// FXBackfillOptions defines available flags for the fx backfill command.
type FXBackfillOptions struct {
	Pair       string
	From       string
	To         string
	Mode       FXBackfillMode
	Source     string
	JSONOutput bool

	SourceReader io.Reader
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
	Confirm      func(io.Reader, io.Writer) (bool, error)
}

// FXBackfillSummary is the command output, rendered as JSON or text.
type FXBackfillSummary struct {
	Pair       string                `json:"pair"`
	Mode       FXBackfillMode        `json:"mode"`
	From       string                `json:"from"`
	To         string                `json:"to"`
	Missing    []FXBackfillGap       `json:"missing"`
	Candidates []FXBackfillCandidate `json:"candidates"`
	Applied    []FXBackfillCandidate `json:"applied,omitempty"`
}

// FXBackfillGap names a period with incomplete rates.
type FXBackfillGap struct {
	Period  string   `json:"period"`
	Missing []string `json:"missing"`
}

// FXBackfillCandidate is a rate row sourced from CSV input.
type FXBackfillCandidate struct {
	Period  string          `json:"period"`
	Average decimal.Decimal `json:"average"`
	Closing decimal.Decimal `json:"closing"`
}

// BackfillCommand detects rate gaps for a pair across a period range and, in
// apply mode, fills them from a CSV source after confirmation. Exit code 10
// signals a dry run that found gaps.
func (c *FXOpsCLI) BackfillCommand(ctx context.Context, opts FXBackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	pair := strings.ToUpper(strings.TrimSpace(opts.Pair))
	if len(pair) != 6 {
		fmt.Fprintln(opts.Stderr, "fx backfill: --pair must be a six-letter currency pair, e.g. EURUSD")
		return 1
	}
	mode := opts.Mode
	if mode == "" {
		mode = FXBackfillModeDry
	}
	if mode != FXBackfillModeDry && mode != FXBackfillModeApply {
		fmt.Fprintf(opts.Stderr, "fx backfill: unknown mode %q\n", opts.Mode)
		return 1
	}
	from, err := time.Parse("2006-01", strings.TrimSpace(opts.From))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: invalid from period %q (expected YYYY-MM)\n", opts.From)
		return 1
	}
	to, err := time.Parse("2006-01", strings.TrimSpace(opts.To))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: invalid to period %q (expected YYYY-MM)\n", opts.To)
		return 1
	}
	if to.Before(from) {
		fmt.Fprintln(opts.Stderr, "fx backfill: --to must not precede --from")
		return 1
	}

	gaps, err := c.detectGaps(ctx, pair, enumeratePeriods(from, to))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	candidates, err := loadBackfillCandidates(pair, opts)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	summary := FXBackfillSummary{
		Pair:       pair,
		Mode:       mode,
		From:       from.Format("2006-01"),
		To:         to.Format("2006-01"),
		Missing:    gaps,
		Candidates: sortedCandidates(candidates),
	}

	if mode == FXBackfillModeDry || len(gaps) == 0 {
		if err := writeBackfillOutput(opts, summary); err != nil {
			fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
			return 1
		}
		if mode == FXBackfillModeDry && len(gaps) > 0 {
			return 10
		}
		return 0
	}

	quotes, err := prepareUpserts(pair, summary.Candidates, gaps)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	confirm := opts.Confirm
	if confirm == nil {
		confirm = defaultBackfillConfirm
	}
	ok, err := confirm(opts.Stdin, opts.Stdout)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: confirmation failed: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(opts.Stderr, "fx backfill: cancelled by user")
		return 1
	}
	if err := c.repo.UpsertQuotes(ctx, quotes); err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: apply failed: %v\n", err)
		return 1
	}
	applied := make([]FXBackfillCandidate, len(quotes))
	for i, q := range quotes {
		applied[i] = FXBackfillCandidate{
			Period:  q.AsOf.Format("2006-01"),
			Average: q.Average,
			Closing: q.Closing,
		}
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].Period < applied[j].Period })
	summary.Applied = applied
	if err := writeBackfillOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "fx backfill: %v\n", err)
		return 1
	}
	return 0
}

// detectGaps finds periods where the pair lacks a usable average or closing
// rate. A quote dated before the start of the period does not count; carrying
// a stale month forward would hide exactly the gaps this command exists to
// surface.
func (c *FXOpsCLI) detectGaps(ctx context.Context, pair string, periods []time.Time) ([]FXBackfillGap, error) {
	var gaps []FXBackfillGap
	for _, period := range periods {
		quote, err := c.repo.QuoteOn(ctx, pair, monthEnd(period))
		if err != nil && !errors.Is(err, fx.ErrRateNotFound) {
			return nil, err
		}
		stale := err == nil && quote.AsOf.Before(period)
		var missing []string
		for _, kind := range []fx.Kind{fx.KindAverage, fx.KindClosing} {
			if _, ok := quote.Rate(kind); err != nil || stale || !ok {
				missing = append(missing, string(kind))
			}
		}
		if len(missing) > 0 {
			gaps = append(gaps, FXBackfillGap{Period: period.Format("2006-01"), Missing: missing})
		}
	}
	return gaps, nil
}

func enumeratePeriods(from, to time.Time) []time.Time {
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)
	var periods []time.Time
	for current := start; !current.After(end); current = current.AddDate(0, 1, 0) {
		periods = append(periods, current)
	}
	return periods
}

func loadBackfillCandidates(pair string, opts FXBackfillOptions) (map[string]FXBackfillCandidate, error) {
	var data []byte
	var err error
	switch {
	case opts.SourceReader != nil:
		data, err = io.ReadAll(opts.SourceReader)
	case opts.Source == "-":
		if opts.Stdin == nil {
			return nil, errors.New("source - requires stdin")
		}
		data, err = io.ReadAll(opts.Stdin)
	case strings.TrimSpace(opts.Source) == "":
		return map[string]FXBackfillCandidate{}, nil
	default:
		data, err = os.ReadFile(opts.Source)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return map[string]FXBackfillCandidate{}, nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	header, err := nextNonEmptyRecord(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]FXBackfillCandidate{}, nil
		}
		return nil, err
	}
	indexes := map[string]int{"period": -1, "pair": -1, "average": -1, "closing": -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "period":
			indexes["period"] = i
		case "pair":
			indexes["pair"] = i
		case "average", "average_rate":
			indexes["average"] = i
		case "closing", "closing_rate":
			indexes["closing"] = i
		}
	}
	if indexes["period"] < 0 || indexes["pair"] < 0 || indexes["average"] < 0 || indexes["closing"] < 0 {
		return nil, errors.New("missing required columns in source (need period, pair, average, closing)")
	}
	result := make(map[string]FXBackfillCandidate)
	for {
		record, err := nextNonEmptyRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if indexes["period"] >= len(record) || indexes["pair"] >= len(record) || indexes["average"] >= len(record) || indexes["closing"] >= len(record) {
			return nil, errors.New("invalid record length in source")
		}
		periodStr := strings.TrimSpace(record[indexes["period"]])
		if periodStr == "" {
			continue
		}
		period, err := time.Parse("2006-01", periodStr)
		if err != nil {
			return nil, fmt.Errorf("invalid period %q in source", periodStr)
		}
		periodKey := period.Format("2006-01")
		sourcePair := strings.ToUpper(strings.TrimSpace(record[indexes["pair"]]))
		if sourcePair != pair {
			continue
		}
		avg, err := decimal.NewFromString(strings.TrimSpace(record[indexes["average"]]))
		if err != nil {
			return nil, fmt.Errorf("invalid average for %s: %v", periodKey, err)
		}
		closing, err := decimal.NewFromString(strings.TrimSpace(record[indexes["closing"]]))
		if err != nil {
			return nil, fmt.Errorf("invalid closing for %s: %v", periodKey, err)
		}
		result[periodKey] = FXBackfillCandidate{Period: periodKey, Average: avg, Closing: closing}
	}
	return result, nil
}

func nextNonEmptyRecord(r *csv.Reader) ([]string, error) {
	for {
		record, err := r.Read()
		if err != nil {
			return nil, err
		}
		skip := true
		for _, field := range record {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			skip = false
		}
		if skip {
			continue
		}
		return record, nil
	}
}

func sortedCandidates(candidates map[string]FXBackfillCandidate) []FXBackfillCandidate {
	rows := make([]FXBackfillCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		rows = append(rows, candidate)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Period < rows[j].Period })
	return rows
}

func prepareUpserts(pair string, candidates []FXBackfillCandidate, gaps []FXBackfillGap) ([]fx.Quote, error) {
	lookup := make(map[string]FXBackfillCandidate, len(candidates))
	for _, candidate := range candidates {
		lookup[candidate.Period] = candidate
	}
	quotes := make([]fx.Quote, 0, len(gaps))
	for _, gap := range gaps {
		candidate, ok := lookup[gap.Period]
		if !ok {
			return nil, fmt.Errorf("missing source rates for %s", gap.Period)
		}
		if !candidate.Average.IsPositive() || !candidate.Closing.IsPositive() {
			return nil, fmt.Errorf("non-positive rates for %s", gap.Period)
		}
		period, err := time.Parse("2006-01", gap.Period)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, fx.Quote{
			Pair:    pair,
			AsOf:    monthEnd(period),
			Average: candidate.Average,
			Closing: candidate.Closing,
		})
	}
	return quotes, nil
}

func writeBackfillOutput(opts FXBackfillOptions, summary FXBackfillSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	renderBackfillHuman(opts.Stdout, summary)
	return nil
}

func renderBackfillHuman(out io.Writer, summary FXBackfillSummary) {
	fmt.Fprintf(out, "FX backfill (%s) for %s, %s to %s\n", summary.Mode, summary.Pair, summary.From, summary.To)
	if len(summary.Missing) == 0 {
		fmt.Fprintln(out, "No gaps detected.")
	} else {
		fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Missing))
		for _, gap := range summary.Missing {
			fmt.Fprintf(out, " - %s missing %s\n", gap.Period, strings.Join(gap.Missing, ", "))
		}
	}
	if len(summary.Candidates) > 0 {
		fmt.Fprintln(out, "Source candidates:")
		for _, candidate := range summary.Candidates {
			fmt.Fprintf(out, " - %s average %s closing %s\n", candidate.Period, candidate.Average, candidate.Closing)
		}
	}
	if len(summary.Applied) > 0 {
		fmt.Fprintln(out, "Applied:")
		for _, row := range summary.Applied {
			fmt.Fprintf(out, " - %s average %s closing %s\n", row.Period, row.Average, row.Closing)
		}
	}
}

func defaultBackfillConfirm(r io.Reader, w io.Writer) (bool, error) {
	fmt.Fprint(w, "Apply FX backfill? Type YES to confirm: ")
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
