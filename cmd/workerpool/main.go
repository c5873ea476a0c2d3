// Command workerpool runs a script as the owning worker of a pool.
//
//	workerpool [flags] main.js|main.ts
//
// The script may create workers with createWorker and exchange messages
// with them. The command serves messages until the script calls
// shutdownPool(), it receives SIGINT or SIGTERM, or -timeout elapses. It
// exits non-zero if any error reached the top level.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/workerpool"
	"github.com/cryguy/workerpool/internal/bundle"
	"github.com/cryguy/workerpool/internal/config"
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/journal"
)

var (
	// Version is set by build flags
	Version = "dev"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("workerpool", flag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&cfg.Journal, "journal", cfg.Journal, "record top-level errors in this sqlite file")
	timeout := fs.Duration("timeout", 0, "stop after this long (0 waits for shutdownPool or a signal)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: workerpool [flags] main.js|main.ts\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 2
	}

	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting workerpool",
		zap.String("version", Version),
		zap.String("script", fs.Arg(0)))

	src, err := bundle.PrepareFile(fs.Arg(0), cfg.Engine.MaxScriptSizeKB)
	if err != nil {
		logger.Error("failed to load script", zap.Error(err))
		return 1
	}

	var jrnl *journal.Journal
	if cfg.Journal != "" {
		jrnl, err = journal.Open(cfg.Journal)
		if err != nil {
			logger.Error("failed to open journal", zap.Error(err))
			return 1
		}
		defer jrnl.Close()
	}

	var topLevel atomic.Int64
	onTopLevel := func(err error) {
		topLevel.Add(1)
		logger.Error("uncaught worker error", zap.Error(err))
		if jrnl == nil {
			return
		}
		rep := core.ErrorReport{Source: core.OwnerID, Message: err.Error()}
		var uncaught *workerpool.UncaughtError
		if errors.As(err, &uncaught) {
			rep = core.ErrorReport{Source: uncaught.Source, Message: uncaught.Message}
		}
		if err := jrnl.Record(context.Background(), rep, false); err != nil {
			logger.Warn("failed to journal error", zap.Error(err))
		}
	}

	onHandled := func(rep core.ErrorReport) {
		logger.Debug("worker error handled by owner",
			zap.Int("worker_id", int(rep.Source)), zap.String("error", rep.Message))
		if jrnl == nil {
			return
		}
		if err := jrnl.Record(context.Background(), rep, true); err != nil {
			logger.Warn("failed to journal error", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	pool, err := workerpool.New(
		workerpool.WithLogger(logger),
		workerpool.WithEngineConfig(cfg.Engine),
		workerpool.WithMetricsRegisterer(registry),
		workerpool.WithTopLevelErrorHandler(onTopLevel),
		workerpool.WithHandledErrorObserver(onHandled),
		workerpool.WithOrigin("file://"+fs.Arg(0)),
	)
	if err != nil {
		logger.Error("failed to create worker pool", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	scriptDone := make(chan struct{})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-scriptDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	var scriptErr error
	g.Go(func() error {
		defer close(scriptDone)
		scriptErr = pool.RunScript(gctx, src)
		return nil
	})

	exit := 0
	if err := g.Wait(); err != nil {
		logger.Error("workerpool failed", zap.Error(err))
		exit = 1
	}
	switch {
	case scriptErr == nil:
	case errors.Is(scriptErr, context.Canceled), errors.Is(scriptErr, context.DeadlineExceeded):
		logger.Info("stopping", zap.String("reason", scriptErr.Error()))
	default:
		logger.Error("owner script failed", zap.Error(scriptErr))
		exit = 1
	}

	pool.Shutdown()
	pool.Owner().Close()
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := pool.Wait(waitCtx); err != nil {
		logger.Warn("workers still running at exit", zap.Int("live_workers", pool.Stats().Live))
	}

	stats := pool.Stats()
	logger.Info("workerpool stopped",
		zap.Uint64("workers_created", stats.Created),
		zap.Uint64("workers_failed", stats.Failed),
		zap.Uint64("messages_sent", stats.Delivered),
		zap.Uint64("top_level_errors", stats.TopLevel))

	if topLevel.Load() > 0 {
		exit = 1
	}
	return exit
}

// initLogger initializes the logger based on log level
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

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
