package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/peer-stats/internal/artifact"
	"github.com/route-beacon/peer-stats/internal/bootstrap"
	"github.com/route-beacon/peer-stats/internal/broker"
	"github.com/route-beacon/peer-stats/internal/config"
	"github.com/route-beacon/peer-stats/internal/dispatch"
	peerhttp "github.com/route-beacon/peer-stats/internal/http"
	"github.com/route-beacon/peer-stats/internal/index"
	"github.com/route-beacon/peer-stats/internal/metrics"
	"github.com/route-beacon/peer-stats/internal/mrt"
	"github.com/route-beacon/peer-stats/internal/notify"
	"github.com/route-beacon/peer-stats/internal/rib"
	"github.com/route-beacon/peer-stats/internal/stats"
	"github.com/route-beacon/peer-stats/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "bootstrap":
		runBootstrap(os.Args[2:])
	case "parse":
		runParse(os.Args[2:])
	case "index-peer-stats":
		runIndex("index-peer-stats", artifact.KindPeerStats, os.Args[2:])
	case "index-as2rel":
		runIndex("index-as2rel", artifact.KindAs2Rel, os.Args[2:])
	case "index-pfx2as":
		runIndex("index-pfx2as", artifact.KindPfx2As, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: peer-stats <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  bootstrap         Discover RIB dumps over a date range and write report artifacts")
	fmt.Println("  parse             Aggregate a single RIB dump and print its peer report as JSON")
	fmt.Println("  index-peer-stats  Load peer-stats artifacts into the database")
	fmt.Println("  index-as2rel      Load as2rel artifacts into the database")
	fmt.Println("  index-pfx2as      Load pfx2as artifacts into the database")
	fmt.Println("  help              Show this help message")
	fmt.Println()
	fmt.Println("Common options:")
	fmt.Println("  --config <path>      Path to YAML configuration file")
	fmt.Println("  --log-level <level>  Override log level (debug, info, warn, error)")
	fmt.Println("  --debug              Shorthand for --log-level debug")
	fmt.Println()
	fmt.Println("Run 'peer-stats <command> --help' for command-specific options.")
}

// commonFlags holds the options every command takes.
type commonFlags struct {
	configPath *string
	logLevel   *string
	debug      *bool
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return fs, commonFlags{
		configPath: fs.String("config", "", "path to YAML configuration file"),
		logLevel:   fs.String("log-level", "", "override log level (debug, info, warn, error)"),
		debug:      fs.Bool("debug", false, "shorthand for --log-level debug"),
	}
}

func loadConfig(common commonFlags) (*config.Config, *zap.Logger) {
	cfg, err := config.Load(*common.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *common.logLevel != "" {
		cfg.Service.LogLevel = *common.logLevel
	}
	if *common.debug {
		cfg.Service.LogLevel = "debug"
	}
	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runBootstrap(args []string) {
	fs, common := newFlagSet("bootstrap")
	tsStart := fs.String("ts-start", "", "first day to process (YYYY-MM-DD, required)")
	tsEnd := fs.String("ts-end", "", "day after the last one to process (YYYY-MM-DD, required)")
	collector := fs.String("collector", "", "restrict discovery to a single collector")
	onlyDaily := fs.Bool("only-daily", false, "process only the midnight dump of each collector")
	dryRun := fs.Bool("dry-run", false, "list discovered dumps without processing them")
	resume := fs.Bool("resume", false, "skip dumps whose artifacts already exist on disk")
	outputDir := fs.String("output-dir", "", "override the artifact output directory")
	workers := fs.Int("workers", 0, "override the parser worker count")
	fs.Parse(args)

	if *tsStart == "" || *tsEnd == "" {
		fmt.Fprintln(os.Stderr, "Error: --ts-start and --ts-end are required")
		fs.Usage()
		os.Exit(1)
	}
	start, err := time.Parse("2006-01-02", *tsStart)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --ts-start %q: %v\n", *tsStart, err)
		os.Exit(1)
	}
	end, err := time.Parse("2006-01-02", *tsEnd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --ts-end %q: %v\n", *tsEnd, err)
		os.Exit(1)
	}

	cfg, logger := loadConfig(common)
	defer logger.Sync()

	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *workers > 0 {
		cfg.Dispatch.Workers = *workers
	}

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	brokerClient := broker.NewClient(
		cfg.Broker.URL,
		cfg.Broker.PageSize,
		cfg.Broker.MaxRetries,
		time.Duration(cfg.Broker.TimeoutSeconds)*time.Second,
		logger.Named("broker"),
	)

	progress := &peerhttp.Progress{}
	open := func(ctx context.Context, item broker.Item) (rib.Source, error) {
		return mrt.Open(ctx, item.URL, logger.Named("mrt"))
	}
	disp := dispatch.New(open, logger.Named("dispatch"),
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithProgress(func(done, total int) {
			progress.Set("aggregating", done, total)
		}),
	)

	layout := artifact.Layout{Root: cfg.Output.Dir, Compress: cfg.Output.Compress}
	scheduler := bootstrap.NewScheduler(brokerClient, disp, layout, logger.Named("bootstrap"))

	if cfg.Kafka.Enabled {
		notifier, err := notify.NewKafka(cfg.Kafka, logger.Named("notify"))
		if err != nil {
			logger.Fatal("Failed to create Kafka notifier", zap.Error(err))
		}
		defer notifier.Close()
		scheduler.SetNotifier(notifier)
	}

	httpServer := peerhttp.NewServer(cfg.Service.HTTPListen, progress, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	logger.Info("Starting bootstrap",
		zap.String("ts_start", start.Format("2006-01-02")),
		zap.String("ts_end", end.Format("2006-01-02")),
		zap.String("collector", *collector),
		zap.Int("workers", disp.Workers()),
		zap.String("output_dir", cfg.Output.Dir),
	)

	summary, runErr := scheduler.Run(ctx, bootstrap.Options{
		Start:     start,
		End:       end,
		Collector: *collector,
		OnlyDaily: *onlyDaily,
		DryRun:    *dryRun,
		Resume:    *resume,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("Bootstrap failed", zap.Error(runErr))
		logger.Sync()
		os.Exit(1)
	}
	// Per-file and per-slot failures are recorded in the summary and the
	// metrics; they do not change the exit code.
	if summary.Failed > 0 || summary.SlotFailures > 0 {
		logger.Warn("Bootstrap finished with failures",
			zap.Int("failed_dumps", summary.Failed),
			zap.Int("failed_slots", summary.SlotFailures),
		)
	}
}

func runParse(args []string) {
	fs, common := newFlagSet("parse")
	collector := fs.String("collector", "", "collector name to report (default: inferred from the path)")
	pretty := fs.Bool("pretty", false, "indent the JSON output")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: peer-stats parse [options] <file-or-url>")
		os.Exit(1)
	}
	ref := fs.Arg(0)

	_, logger := loadConfig(common)
	defer logger.Sync()

	project, coll := broker.InferCollector(ref)
	if *collector != "" {
		coll = *collector
		project = broker.ProjectForCollector(coll)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	src, err := mrt.Open(ctx, ref, logger.Named("mrt"))
	if err != nil {
		logger.Fatal("Failed to open RIB dump", zap.String("ref", ref), zap.Error(err))
	}
	defer src.Close()

	agg := stats.NewAggregator(coll, project, ref)
	var entries, skipped uint64
	for {
		entry, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Fatal("Failed to decode RIB dump", zap.String("ref", ref), zap.Error(err))
		}
		if err := agg.Add(entry); err != nil {
			skipped++
			logger.Debug("Skipping entry", zap.Error(err))
			continue
		}
		entries++
	}

	report := agg.Report()
	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		logger.Fatal("Failed to encode report", zap.Error(err))
	}

	logger.Info("Parsed RIB dump",
		zap.String("ref", ref),
		zap.String("collector", coll),
		zap.Uint64("entries", entries),
		zap.Uint64("skipped", skipped),
		zap.Int("peers", agg.NumPeers()),
	)
}

func runIndex(name, kind string, args []string) {
	fs, common := newFlagSet(name)
	since := fs.String("since", "", "only index artifacts dated on or after this day (YYYY-MM-DD)")
	dbDSN := fs.String("db", "", "override the store DSN")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: peer-stats %s [options] <artifact-root>\n", name)
		os.Exit(1)
	}
	root := fs.Arg(0)

	if *since != "" {
		if _, err := time.Parse("2006-01-02", *since); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --since %q: %v\n", *since, err)
			os.Exit(1)
		}
	}

	cfg, logger := loadConfig(common)
	defer logger.Sync()

	if *dbDSN != "" {
		cfg.Store.DSN = *dbDSN
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("Opening store", zap.String("dsn", redactDSN(cfg.Store.DSN)))
	st, err := store.Open(ctx, cfg.Store.DSN, logger.Named("store"))
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	indexer := index.New(st, logger.Named("index"))
	if _, err := indexer.Run(ctx, root, index.Options{Kind: kind, Since: *since}); err != nil {
		logger.Fatal("Indexing failed", zap.String("kind", kind), zap.Error(err))
	}
	if err := st.Analyze(ctx); err != nil {
		logger.Warn("Statistics refresh failed", zap.Error(err))
	}
}

// redactDSN masks the password in a DSN for safe logging.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
			return u.String()
		}
		return dsn
	}
	re := regexp.MustCompile(`password\s*=\s*\S+`)
	return re.ReplaceAllString(dsn, "password=***")
}
