package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/trade-engine/hist-ingest/internal/services"
	"github.com/trade-engine/hist-ingest/pkg/schema"
)

const usage = `Usage: hist-ingest <command> [flags]

Commands:
  download    mirror public daily archives (trades by default)
  orderbook   request, download and unpack authenticated order-book exports
  convert     merge trades and order-book archives into .npz event arrays
  inspect     summarise a converted .npz or .arrow file
  config      write the effective configuration (without credentials)

Run "hist-ingest <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "hist-ingest %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults plus environment when empty)")

	switch command {
	case "download":
		symbols := fs.String("symbols", "", "Comma separated symbols (overrides config)")
		kinds := fs.String("kinds", "", "Comma separated data kinds (overrides config)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return withApplication(*configPath, func(app *Application) error {
			return app.Download(splitList(*symbols, app.cfg.Symbols), toKinds(splitList(*kinds, app.cfg.Kinds)))
		})

	case "orderbook":
		symbols := fs.String("symbols", "", "Comma separated symbols (overrides config)")
		start := fs.String("start", "", "First date, YYYY-MM-DD")
		end := fs.String("end", "", "Last date, YYYY-MM-DD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		from, to, err := parseRange(*start, *end)
		if err != nil {
			return err
		}
		return withApplication(*configPath, func(app *Application) error {
			return app.DownloadOrderBooks(splitList(*symbols, app.cfg.Symbols), from, to)
		})

	case "convert":
		symbol := fs.String("symbol", "", "Symbol to convert, e.g. BTCUSDT")
		date := fs.String("date", "", "Single date, YYYY-MM-DD")
		start := fs.String("start", "", "First date of a range, YYYY-MM-DD")
		end := fs.String("end", "", "Last date of a range, YYYY-MM-DD")
		skip := fs.Bool("skip-converted", false, "Skip dates that already have an .npz output")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *symbol == "" {
			return errors.New("-symbol is required")
		}
		if *date != "" {
			*start, *end = *date, *date
		}
		from, to, err := parseRange(*start, *end)
		if err != nil {
			return err
		}
		return withApplication(*configPath, func(app *Application) error {
			return app.Convert(services.FileFilter{
				Symbol:        strings.ToUpper(*symbol),
				StartDate:     from,
				EndDate:       to,
				SkipConverted: *skip,
			})
		})

	case "inspect":
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() == 0 {
			return errors.New("expected one or more file paths")
		}
		return withApplication(*configPath, func(app *Application) error {
			return app.Inspect(fs.Args())
		})

	case "config":
		out := fs.String("out", "", "File to write the effective configuration to")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *out == "" {
			return errors.New("-out is required")
		}
		return withApplication(*configPath, func(app *Application) error {
			return app.WriteConfig(*out)
		})

	case "-h", "--help", "help":
		fmt.Print(usage)
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func withApplication(configPath string, fn func(app *Application) error) error {
	app, err := NewApplication(configPath)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	go app.handleSignals()
	return fn(app)
}

func splitList(flagValue string, fallback []string) []string {
	if flagValue == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(flagValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toKinds(values []string) []schema.DataKind {
	kinds := make([]schema.DataKind, 0, len(values))
	for _, v := range values {
		kinds = append(kinds, schema.DataKind(v))
	}
	return kinds
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, errors.New("-start and -end are required")
	}
	from, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -start: %w", err)
	}
	to, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -end: %w", err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("-end %s is before -start %s", end, start)
	}
	return from, to, nil
}
