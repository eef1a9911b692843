// Package main provides the ledger CLI for inspecting and validating
// context log files, plus a long-running watch mode that ingests
// conversation dumps from a drop directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gobwas/glob"

	"github.com/entrhq/ledger/pkg/config"
	"github.com/entrhq/ledger/pkg/logging"
	"github.com/entrhq/ledger/pkg/redact"
	"github.com/entrhq/ledger/pkg/security/workspace"
	"github.com/entrhq/ledger/pkg/store"
	"github.com/entrhq/ledger/pkg/types"
	"github.com/entrhq/ledger/pkg/watcher"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "inspect":
		err = runInspect(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("ledger v%s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "ledger: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledger: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Ledger - append-only context log storage\n\n")
	fmt.Fprintf(os.Stderr, "Usage: ledger <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  inspect    Show records from a context log\n")
	fmt.Fprintf(os.Stderr, "  validate   Check a context log for format violations\n")
	fmt.Fprintf(os.Stderr, "  watch      Ingest conversation dumps from a drop directory\n")
	fmt.Fprintf(os.Stderr, "  version    Show version and exit\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  ledger inspect -root .context -last 10\n")
	fmt.Fprintf(os.Stderr, "  ledger inspect -root .context -decisions -filter \"use*\" -format json\n")
	fmt.Fprintf(os.Stderr, "  ledger validate -root .context -file context.log\n")
	fmt.Fprintf(os.Stderr, "  ledger watch -config ledger.yaml\n")
}

// recordView is the JSON shape of one record in inspect output.
type recordView struct {
	Type      string            `json:"type"`
	ID        string            `json:"id,omitempty"`
	StartLine int64             `json:"start_line"`
	Fields    map[string]string `json:"fields"`
}

func viewOf(rec types.Record) recordView {
	v := recordView{
		Type:      string(rec.Type),
		ID:        rec.ID,
		StartLine: rec.StartLine,
		Fields:    make(map[string]string, len(rec.Fields)),
	}
	if rec.Type == types.RecordTypeUnknown && rec.RawType != "" {
		v.Type = rec.RawType
	}
	for _, f := range rec.Fields {
		v.Fields[f.Key] = f.Value
	}
	return v
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	root := fs.String("root", ".", "Workspace root containing the log")
	file := fs.String("file", "context.log", "Log file, relative to root")
	summary := fs.Bool("summary", false, "Show per-type record counts only")
	conversations := fs.Bool("conversations", false, "Show conversation records")
	decisions := fs.Bool("decisions", false, "Show decision records")
	insights := fs.Bool("insights", false, "Show insight records")
	workState := fs.Bool("work-state", false, "Show work-state records")
	format := fs.String("format", "text", "Output format: text or json")
	filter := fs.String("filter", "", "Glob matched against any field value")
	last := fs.Int("last", 0, "Show only the N most recent matching records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "text" && *format != "json" {
		return fmt.Errorf("unknown format %q", *format)
	}

	var fieldGlob glob.Glob
	if *filter != "" {
		g, err := glob.Compile(strings.ToLower(*filter))
		if err != nil {
			return fmt.Errorf("invalid filter %q: %w", *filter, err)
		}
		fieldGlob = g
	}

	guard, err := workspace.NewGuard(*root)
	if err != nil {
		return err
	}
	reader := store.NewReader(guard)

	var typeFilters []types.RecordType
	if *conversations {
		typeFilters = append(typeFilters, types.RecordTypeConversation)
	}
	if *decisions {
		typeFilters = append(typeFilters, types.RecordTypeDecision)
	}
	if *insights {
		typeFilters = append(typeFilters, types.RecordTypeInsight)
	}
	if *workState {
		typeFilters = append(typeFilters, types.RecordTypeWorkState)
	}

	pred := func(rec types.Record) bool {
		if rec.Type == types.RecordTypeSchema {
			return false
		}
		if len(typeFilters) > 0 {
			match := false
			for _, t := range typeFilters {
				if rec.Type == t {
					match = true
					break
				}
			}
			if !match {
				return false
			}
		}
		if fieldGlob != nil {
			for _, f := range rec.Fields {
				if fieldGlob.Match(strings.ToLower(f.Value)) {
					return true
				}
			}
			return false
		}
		return true
	}

	scan, err := reader.ScanRange(*file, pred)
	if err != nil {
		return err
	}
	defer scan.Close()

	var records []types.Record
	counts := make(map[string]int)
	for {
		rec, ok := scan.Next()
		if !ok {
			break
		}
		counts[string(rec.Type)]++
		records = append(records, rec)
	}
	if err := scan.Err(); err != nil {
		return err
	}
	if *last > 0 && len(records) > *last {
		records = records[len(records)-*last:]
	}

	if *summary {
		return printSummary(counts, *format)
	}
	return printRecords(records, *format)
}

func printSummary(counts map[string]int, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}
	total := 0
	for _, t := range []types.RecordType{
		types.RecordTypeConversation, types.RecordTypeDecision,
		types.RecordTypeInsight, types.RecordTypeWorkState, types.RecordTypeUnknown,
	} {
		if n := counts[string(t)]; n > 0 {
			fmt.Printf("%-14s %d\n", strings.ToLower(string(t)), n)
			total += n
		}
	}
	fmt.Printf("%-14s %d\n", "total", total)
	return nil
}

func printRecords(records []types.Record, format string) error {
	if format == "json" {
		views := make([]recordView, len(records))
		for i, rec := range records {
			views[i] = viewOf(rec)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	for i, rec := range records {
		if i > 0 {
			fmt.Println()
		}
		header := string(rec.Type)
		if rec.Type == types.RecordTypeUnknown && rec.RawType != "" {
			header = rec.RawType
		}
		if rec.ID != "" {
			header += ":" + rec.ID
		}
		fmt.Printf("[line %d] %s\n", rec.StartLine, header)
		for _, f := range rec.Fields {
			value := f.Value
			if idx := strings.IndexByte(value, '\n'); idx >= 0 {
				value = value[:idx] + " ..."
			}
			fmt.Printf("  %s = %s\n", f.Key, value)
		}
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	root := fs.String("root", ".", "Workspace root containing the log")
	file := fs.String("file", "context.log", "Log file, relative to root")
	if err := fs.Parse(args); err != nil {
		return err
	}

	guard, err := workspace.NewGuard(*root)
	if err != nil {
		return err
	}
	reader := store.NewReader(guard)

	report, err := reader.CorruptionReport(*file)
	if err != nil {
		return err
	}

	if report.Clean() {
		fmt.Printf("%s: OK (%d lines", *file, report.LinesSeen)
		if report.SchemaVersion != "" {
			fmt.Printf(", schema %s", report.SchemaVersion)
		}
		fmt.Println(")")
		return nil
	}

	// A numbering anomaly means content past it cannot be trusted; that is
	// a hard failure. Everything else degrades reads but leaves the file
	// usable, so it is reported as warnings.
	if report.AnomalyLine != 0 {
		fmt.Fprintf(os.Stderr, "%v; content after line %d is untrusted\n",
			report.Violation(), report.AnomalyLine)
		fmt.Fprintf(os.Stderr, "hint: truncate the file before line %d, or restore it from a backup\n",
			report.AnomalyLine)
		os.Exit(1)
	}

	if report.MalformedLines > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d malformed line(s) will be skipped by readers\n", report.MalformedLines)
	}
	if report.OrphanFields > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d field line(s) outside any record\n", report.OrphanFields)
	}
	if report.SkippedRecords > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d record(s) missing their closing blank line\n", report.SkippedRecords)
		fmt.Fprintf(os.Stderr, "hint: the last append may have been interrupted; the next append will start a fresh record\n")
	}
	if report.NewerMajor {
		fmt.Fprintf(os.Stderr, "warning: file declares schema %s, newer than this build understands; results are best-effort\n",
			report.SchemaVersion)
	}
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file (YAML)")
	root := fs.String("root", "", "Workspace root (overrides config)")
	dir := fs.String("dir", "", "Drop directory to poll (overrides config)")
	target := fs.String("target", "", "Log file to append to, relative to root (overrides config)")
	interval := fs.Duration("interval", 0, "Poll interval (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *dir != "" {
		cfg.Watcher.Dir = *dir
	}
	if *target != "" {
		cfg.Watcher.Target = *target
	}
	if *interval > 0 {
		cfg.Watcher.PollInterval = config.Duration(*interval)
	}

	guard, err := workspace.NewGuard(cfg.Root)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger("watch")
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	writerOpts := []store.WriterOption{
		store.WithLockConfig(store.LockConfig{
			Timeout:        cfg.Lock.Timeout.Std(),
			InitialBackoff: cfg.Lock.InitialBackoff.Std(),
			MaxBackoff:     cfg.Lock.MaxBackoff.Std(),
			StaleAfter:     cfg.Lock.StaleAfter.Std(),
		}),
		store.WithRateLimit(store.RateLimitConfig{
			Ops:    cfg.RateLimit.Ops,
			Window: cfg.RateLimit.Window.Std(),
		}),
		store.WithWriterLogger(logger),
	}
	if cfg.Redaction.Mode == config.ModeStrict {
		writerOpts = append(writerOpts, store.WithStrictRedaction())
	} else if cfg.Redaction.PartialShow > 0 {
		writerOpts = append(writerOpts, store.WithMaskStrategy(redact.MaskPartial{Show: cfg.Redaction.PartialShow}))
	}
	writer := store.NewWriter(guard, writerOpts...)

	dropDir := cfg.Watcher.Dir
	if !filepath.IsAbs(dropDir) {
		dropDir = filepath.Join(cfg.Root, dropDir)
	}
	w, err := watcher.New(dropDir, cfg.Watcher.Target, writer, cfg.Watcher.PollInterval.Std(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nshutting down")
		cancel()
	}()

	fmt.Printf("watching %s -> %s every %s (log: %s)\n",
		dropDir, cfg.Watcher.Target, cfg.Watcher.PollInterval.Std(), logger.LogPath())
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
