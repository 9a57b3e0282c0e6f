// Command reextract rebuilds the text artifacts of an existing output directory from
// its ledger, without touching the network.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/go-scripts/consultcrawl/internal/extract"
	"github.com/go-scripts/consultcrawl/internal/ledger"
	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
	"github.com/go-scripts/consultcrawl/ui"
)

type CLIFlags struct {
	OutputDir   string `help:"Output directory of a previous run." name:"output-dir" short:"o" required:""`
	Reuse       bool   `help:"Keep text artifacts whose sidecar matches the stored document."`
	NoInventory bool   `help:"Do not rewrite the CSV and XLSX inventory." name:"no-inventory"`
	LogLevel    string `help:"Log level." name:"log-level" default:"info" enum:"debug,info,warn,error"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var flags CLIFlags
	exitCode := -1
	parser, err := kong.New(&flags,
		kong.Name("reextract"),
		kong.Description("Extract text again for every stored document in an output directory."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { exitCode = code }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "reextract: %v\n", err)
		return 1
	}
	_, err = parser.Parse(args)
	if exitCode >= 0 {
		return exitCode
	}
	if err != nil {
		fmt.Fprintf(stderr, "reextract: error: %v\n", err)
		return 2
	}

	level, err := log.ParseLevel(flags.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logger := log.NewWithOptions(stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "reextract",
		Level:           level,
	})

	summary, err := reextract(ctx, flags, logger)
	if err != nil {
		logger.Error("re-extraction failed", "dir", flags.OutputDir, "err", err)
		return 1
	}
	ui.PrintSummary(stdout, summary, true)
	return 0
}

func reextract(ctx context.Context, flags CLIFlags, logger *log.Logger) (*common.Summary, error) {
	files, err := writer.Open(flags.OutputDir)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(files.LedgerPath())
	if err != nil {
		return nil, err
	}
	defer l.Close()
	if l.Len() == 0 {
		return nil, fmt.Errorf("no ledger records in %s", flags.OutputDir)
	}

	started := time.Now()
	records := l.Records()
	e := extract.New(files, logger)
	e.Reuse = flags.Reuse
	results, err := e.ExtractAll(ctx, records)
	if err != nil {
		return nil, err
	}

	summary := &common.Summary{StartedAt: started.UTC()}
	byPath := make(map[string]common.ExtractionRecord, len(results))
	for _, res := range results {
		summary.CountExtraction(res)
		byPath[res.StoredPath] = res
	}
	rows := make([]writer.InventoryRow, 0, len(records))
	for _, rec := range records {
		summary.Count(rec)
		row := writer.InventoryRow{Fetch: rec}
		if res, ok := byPath[rec.StoredPath]; ok && rec.Status == common.StatusOK {
			row.Extraction = &res
		}
		rows = append(rows, row)
	}
	pages, err := files.ReadPages()
	if err != nil {
		return nil, err
	}
	for i := range pages {
		rows = append(rows, writer.InventoryRow{Page: &pages[i]})
	}
	summary.TextOnlyPages = len(pages)
	summary.Duration = time.Since(started)

	if !flags.NoInventory {
		if err := files.WriteInventory(rows); err != nil {
			return nil, err
		}
	}
	logger.Info("done", "documents", len(results), "ok", summary.ExtractedOK,
		"unsupported", summary.ExtractUnsupported, "failed", summary.ExtractFailed)
	return summary, nil
}
