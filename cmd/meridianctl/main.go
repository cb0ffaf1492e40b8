package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/cmd/meridian/cli"
	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/consol"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

const usage = `Usage: meridianctl <command> [flags]

Commands:
  fx validate   --group <id> --period <YYYY-MM> [--json]
  fx backfill   --pair <PAIR> --from <YYYY-MM> --to <YYYY-MM> [--mode dry|apply] [--source <file|->] [--json]
  jobs stats
  jobs trigger  --run <uuid>
  jobs scheduled [--size <n>]
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: load config: %v\n", err)
		return 1
	}

	switch args[0] + " " + args[1] {
	case "fx validate":
		return runFXValidate(ctx, cfg, args[2:])
	case "fx backfill":
		return runFXBackfill(ctx, cfg, args[2:])
	case "jobs stats":
		return runJobsStats(ctx, cfg)
	case "jobs trigger":
		return runJobsTrigger(ctx, cfg, args[2:])
	case "jobs scheduled":
		return runJobsScheduled(ctx, cfg, args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func fxCLI(ctx context.Context, cfg *app.Config) (*cli.FXOpsCLI, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	ops, err := cli.NewFXOpsCLI(consol.NewPGRepository(pool))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return ops, pool.Close, nil
}

func runFXValidate(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("fx validate", flag.ContinueOnError)
	group := fs.Int64("group", 0, "consolidation group id")
	period := fs.String("period", "", "fiscal period (YYYY-MM)")
	jsonOut := fs.Bool("json", false, "emit JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ops, cleanup, err := fxCLI(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	defer cleanup()
	return ops.ValidateCommand(ctx, cli.FXValidateOptions{
		GroupID:    *group,
		Period:     *period,
		JSONOutput: *jsonOut,
	})
}

func runFXBackfill(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("fx backfill", flag.ContinueOnError)
	pair := fs.String("pair", "", "currency pair, e.g. EURUSD")
	from := fs.String("from", "", "first period (YYYY-MM)")
	to := fs.String("to", "", "last period (YYYY-MM)")
	mode := fs.String("mode", string(cli.FXBackfillModeDry), "dry or apply")
	source := fs.String("source", "", "CSV source path, or - for stdin")
	jsonOut := fs.Bool("json", false, "emit JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ops, cleanup, err := fxCLI(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	defer cleanup()
	return ops.BackfillCommand(ctx, cli.FXBackfillOptions{
		Pair:       *pair,
		From:       *from,
		To:         *to,
		Mode:       cli.FXBackfillMode(*mode),
		Source:     *source,
		JSONOutput: *jsonOut,
		Stdin:      os.Stdin,
	})
}

func consolOps(cfg *app.Config) (*cli.ConsolOpsCLI, error) {
	return cli.NewConsolOpsCLI(cfg.RedisAddr)
}

func runJobsStats(ctx context.Context, cfg *app.Config) int {
	ops, err := consolOps(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	defer closeOps(ops)
	stats, err := ops.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	fmt.Printf("queue %s: pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	return 0
}

func runJobsTrigger(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
	runID := fs.String("run", "", "run id to enqueue")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	id, err := uuid.Parse(*runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: invalid run id %q\n", *runID)
		return 2
	}
	ops, err := consolOps(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	defer closeOps(ops)
	info, err := ops.TriggerRun(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	fmt.Printf("enqueued task %s in queue %s\n", info.ID, info.Queue)
	return 0
}

func runJobsScheduled(ctx context.Context, cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("jobs scheduled", flag.ContinueOnError)
	size := fs.Int("size", 10, "page size")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ops, err := consolOps(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	defer closeOps(ops)
	tasks, err := ops.ListScheduled(ctx, *size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meridianctl: %v\n", err)
		return 1
	}
	for _, task := range tasks {
		fmt.Printf("%s %s next=%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func closeOps(ops *cli.ConsolOpsCLI) {
	if err := ops.Close(); err != nil {
		slog.Default().Warn("close cli", slog.Any("error", err))
	}
}
