package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/consol/fx"
)

// RateRepository is the persistence surface the FX helpers need. It is
// satisfied by consol.PGRepository.
type RateRepository interface {
	GroupCurrencies(ctx context.Context, groupID int64) (string, []string, error)
	QuoteOn(ctx context.Context, pair string, date time.Time) (fx.Quote, error)
	UpsertQuotes(ctx context.Context, quotes []fx.Quote) error
}

// FXOpsCLI offers operational helpers to manage the exchange rates that
// consolidation runs translate with.
type FXOpsCLI struct {
	repo RateRepository
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(repo RateRepository) (*FXOpsCLI, error) {
	if repo == nil {
		return nil, errors.New("fx cli: repository is required")
	}
	return &FXOpsCLI{repo: repo}, nil
}

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	GroupID    int64
	Period     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK              bool                       `json:"ok"`
	Group           int64                      `json:"group_id"`
	Period          string                     `json:"period"`
	Gaps            []FXValidationGap          `json:"gaps"`
	AvailableQuotes []FXValidationAvailability `json:"available_quotes"`
}

// FXValidationGap captures a missing rate kind for a pair.
type FXValidationGap struct {
	Pair string `json:"pair"`
	Kind string `json:"kind"`
}

// FXValidationAvailability reports a usable configured rate.
type FXValidationAvailability struct {
	Pair string `json:"pair"`
	Kind string `json:"kind"`
	AsOf string `json:"as_of"`
}

// ValidateCommand checks that every currency pair a group needs has both an
// average and a closing rate effective for the requested period, and prints
// the outcome. Exit code 10 signals gaps, 1 signals a hard failure.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.GroupID <= 0 {
		fmt.Fprintln(opts.Stderr, "fx validate: --group is required and must be positive")
		return 1
	}
	period, err := time.Parse("2006-01", strings.TrimSpace(opts.Period))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx validate: invalid period %q (expected YYYY-MM)\n", opts.Period)
		return 1
	}
	reporting, currencies, err := c.repo.GroupCurrencies(ctx, opts.GroupID)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return 1
	}
	asOf := monthEnd(period)
	summary := FXValidateSummary{
		Group:           opts.GroupID,
		Period:          period.Format("2006-01"),
		Gaps:            []FXValidationGap{},
		AvailableQuotes: []FXValidationAvailability{},
	}
	for _, code := range currencies {
		if strings.EqualFold(code, reporting) {
			continue
		}
		pair := fx.Pair(code, reporting)
		quote, err := c.repo.QuoteOn(ctx, pair, asOf)
		if err != nil && !errors.Is(err, fx.ErrRateNotFound) {
			fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
			return 1
		}
		for _, kind := range []fx.Kind{fx.KindAverage, fx.KindClosing} {
			if rate, ok := quote.Rate(kind); err == nil && ok && rate.IsPositive() {
				summary.AvailableQuotes = append(summary.AvailableQuotes, FXValidationAvailability{
					Pair: pair,
					Kind: string(kind),
					AsOf: quote.AsOf.Format("2006-01-02"),
				})
				continue
			}
			summary.Gaps = append(summary.Gaps, FXValidationGap{Pair: pair, Kind: string(kind)})
		}
	}
	sortValidation(&summary)
	summary.OK = len(summary.Gaps) == 0
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func sortValidation(summary *FXValidateSummary) {
	sort.Slice(summary.Gaps, func(i, j int) bool {
		if summary.Gaps[i].Pair == summary.Gaps[j].Pair {
			return summary.Gaps[i].Kind < summary.Gaps[j].Kind
		}
		return summary.Gaps[i].Pair < summary.Gaps[j].Pair
	})
	sort.Slice(summary.AvailableQuotes, func(i, j int) bool {
		if summary.AvailableQuotes[i].Pair == summary.AvailableQuotes[j].Pair {
			return summary.AvailableQuotes[i].Kind < summary.AvailableQuotes[j].Kind
		}
		return summary.AvailableQuotes[i].Pair < summary.AvailableQuotes[j].Pair
	})
}

func renderValidateHuman(out io.Writer, summary FXValidateSummary) {
	fmt.Fprintf(out, "FX coverage for group %d, period %s\n", summary.Group, summary.Period)
	if summary.OK {
		fmt.Fprintln(out, "All required rates are configured.")
	} else {
		fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Gaps))
		for _, gap := range summary.Gaps {
			fmt.Fprintf(out, " - %s missing %s\n", gap.Pair, gap.Kind)
		}
	}
	for _, quote := range summary.AvailableQuotes {
		fmt.Fprintf(out, " + %s %s as of %s\n", quote.Pair, quote.Kind, quote.AsOf)
	}
}

// monthEnd returns the last day of the month the given date falls in.
func monthEnd(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}
