// Package main содержит утилиту оператора: импорт исторических платежей, сверку и загрузку
// ставок в базу данных.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/app"
	"github.com/mmeshcher/settlement-system/internal/config"
	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/legacy"
	"github.com/mmeshcher/settlement-system/internal/reconcile"
)

const usage = `usage: settlectl <command> [flags]

commands:
  import      settle historical payments from a JSONL or CSV file
  reconcile   compare commissions with a ground-truth export
  rates-sync  store rules from the rates file in the database`

// errUnresolved означает, что после сверки остались расхождения.
var errUnresolved = errors.New("unresolved discrepancies")

type options struct {
	file       string
	format     string
	job        string
	dryRun     bool
	resume     bool
	fix        bool
	tolerance  int64
	fromLegacy bool
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	os.Args = append([]string{os.Args[0] + " " + command}, os.Args[2:]...)

	var opts options
	flag.StringVar(&opts.file, "file", "-", "input file, - for stdin")
	flag.StringVar(&opts.format, "format", "jsonl", "input format: jsonl or csv")
	flag.StringVar(&opts.job, "job", "", "checkpoint job name")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "validate and classify without settling")
	flag.BoolVar(&opts.resume, "resume", false, "continue from the saved checkpoint")
	flag.BoolVar(&opts.fix, "fix", false, "re-settle missing commissions")
	flag.Int64Var(&opts.tolerance, "tolerance", 1, "allowed difference in minor units")
	flag.BoolVar(&opts.fromLegacy, "legacy", false, "read ground truth from the legacy sales system")

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, command, cfg, opts, os.Stdout, logger); err != nil {
		if errors.Is(err, errUnresolved) {
			os.Exit(1)
		}
		sugar.Fatalw("command failed", "command", command, "error", err)
	}
}

func run(ctx context.Context, command string, cfg *config.Config, opts options, out io.Writer, logger *zap.Logger) error {
	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch command {
	case "import":
		src, closeSrc, err := openSource(opts, cfg.ImportBatchSize)
		if err != nil {
			return err
		}
		defer closeSrc()

		stats, err := a.Importer.Import(ctx, src, importer.Options{
			Job:    opts.job,
			Rate:   cfg.ImportRate,
			DryRun: opts.dryRun,
			Resume: opts.resume,
		})
		if err != nil {
			return err
		}
		return writeJSON(out, stats)

	case "reconcile":
		var src importer.Source
		if opts.fromLegacy {
			if a.Legacy == nil {
				return fmt.Errorf("-legacy requires LEGACY_SYSTEM_ADDRESS")
			}
			src = importer.FromPager(legacy.NewSalesSource(a.Legacy, cfg.ImportBatchSize, logger))
		} else {
			fileSrc, closeSrc, err := openSource(opts, cfg.ImportBatchSize)
			if err != nil {
				return err
			}
			defer closeSrc()
			src = fileSrc
		}

		report, err := a.Auditor.Audit(ctx, src, reconcile.Options{
			Job:       opts.job,
			Tolerance: opts.tolerance,
			Resume:    opts.resume,
			Fix:       opts.fix,
		})
		if err != nil {
			return err
		}
		if err := writeJSON(out, report); err != nil {
			return err
		}
		if !opts.fix && report.Totals.Missing+report.Totals.Drifted > 0 {
			return errUnresolved
		}
		return nil

	case "rates-sync":
		n, err := a.SyncRates(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "synced %d rate rules\n", n)
		return err
	}

	return fmt.Errorf("unknown command %q\n%s", command, usage)
}

func openSource(opts options, batch int) (importer.Source, func(), error) {
	var (
		r       io.Reader = os.Stdin
		closeFn           = func() {}
	)
	if opts.file != "" && opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return nil, nil, fmt.Errorf("open input: %w", err)
		}
		r, closeFn = f, func() { _ = f.Close() }
	}

	switch opts.format {
	case "jsonl", "":
		return importer.NewJSONLSource(r, batch), closeFn, nil
	case "csv":
		src, err := importer.NewCSVSource(r, batch)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		return src, closeFn, nil
	}

	closeFn()
	return nil, nil, fmt.Errorf("unsupported format %q", opts.format)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
