package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nuetzliches/kaiwa/internal/admin"
	"github.com/nuetzliches/kaiwa/internal/backoff"
	"github.com/nuetzliches/kaiwa/internal/config"
	"github.com/nuetzliches/kaiwa/internal/inbound"
	"github.com/nuetzliches/kaiwa/internal/outbox"
	"github.com/nuetzliches/kaiwa/internal/queue"

	"github.com/fsnotify/fsnotify"
)

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "./kaiwa.yaml", "path to the YAML config file")
	dbPath := fs.String("db", "", "sqlite database path (overrides config)")
	postgresDSN := fs.String("postgres-dsn", "", "postgres connection string (overrides config)")
	pidFile := fs.String("pid-file", "", "write the daemon pid here and refuse to start if it is taken")
	watch := fs.Bool("watch", false, "reload recipients when the config file changes")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	logOutput := fs.String("log-output", "stderr", "log sink (stdout|stderr|file)")
	logFile := fs.String("log-file", "", "log file path, used with --log-output=file")
	dotenvPath := fs.String("dotenv", "", "load KEY=VALUE pairs from this file before reading config")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, logCloser, err := newLoggerToSink(*logLevel, *logOutput, *logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	if *dotenvPath != "" {
		if err := loadDotenv(*dotenvPath); err != nil {
			logger.Error("dotenv_load_failed",
				slog.String("path", *dotenvPath),
				slog.Any("err", err),
			)
			return 1
		}
	}

	releasePID, err := claimPIDFile(*pidFile)
	if err != nil {
		logger.Error("pid_file_claim_failed",
			slog.String("path", *pidFile),
			slog.Any("err", err),
		)
		return 1
	}
	defer releasePID()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config_load_failed",
			slog.String("path", *configPath),
			slog.Any("err", err),
		)
		return 1
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *postgresDSN != "" {
		cfg.DB.PostgresDSN = *postgresDSN
	}

	res := config.Validate(cfg)
	for _, warning := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", warning))
	}
	if !res.OK {
		for _, msg := range res.Errors {
			logger.Error("config_invalid", slog.String("error", msg))
		}
		return 1
	}

	tracingEnabled := cfg.Observability.TracingEndpoint != ""
	var tracingShutdown func(context.Context) error
	if tracingEnabled {
		tracingShutdown, err = initTracing(context.Background(), cfg.Observability, func(err error) {
			logger.Warn("otel_error", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
	}

	inboundStore, outboxStore, err := openStores(cfg.DB)
	if err != nil {
		logger.Error("store_open_failed", slog.Any("err", err))
		return 1
	}
	defer inboundStore.Close()
	defer outboxStore.Close()

	metrics := &runtimeMetrics{}

	resolver := outbox.NewResolver(recipientLoader(*configPath))

	sched := inbound.New(inboundStore, newLogDeliverer(logger, "inbound_delivered_to_log"),
		inbound.WithLogger(logger),
		inbound.WithBackoff(inboundPolicy(cfg.Inbound)),
		inbound.WithLockTimeout(cfg.Inbound.LockTimeout.Std()),
		inbound.WithFailurePause(cfg.Inbound.FailurePause.Std()),
		inbound.WithObserver(metrics.observeInbound),
	)

	obx := outbox.New(outboxStore, newLogDeliverer(logger, "outbox_delivered_to_log"),
		outbox.WithLogger(logger),
		outbox.WithResolver(resolver),
		outbox.WithTick(cfg.Outbox.Tick.Std()),
		outbox.WithBatchSize(cfg.Outbox.Batch),
		outbox.WithBackoff(backoff.Exponential{
			Base: cfg.Outbox.BackoffBase.Std(),
			Cap:  cfg.Outbox.BackoffCap.Std(),
		}),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithLockTimeout(cfg.Outbox.LockTimeout.Std()),
		outbox.WithObserver(metrics.observeOutbox),
	)

	metrics.bind(inboundStore.Stats, outboxStore.Stats, sched.WorkerCount)

	adm := &admin.Server{
		Logger:       logger,
		Version:      version,
		AuthToken:    cfg.Admin.AuthToken,
		InboundStats: inboundStore.Stats,
		OutboxStats:  outboxStore.Stats,
		WorkerCount:  sched.WorkerCount,
		Metrics:      metrics.handler(),
	}
	handler := withAccessLog(logger, adm.Handler())
	handler = wrapTracingHandler(tracingEnabled, "kaiwa-admin", handler)
	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watcher *fsnotify.Watcher
	if *watch {
		watcher, err = watchConfig(ctx, logger, *configPath, resolver)
		if err != nil {
			logger.Error("config_watch_failed",
				slog.String("path", *configPath),
				slog.Any("err", err),
			)
			return 1
		}
	}

	if err := sched.Startup(); err != nil {
		logger.Error("inbound_startup_failed", slog.Any("err", err))
		if watcher != nil {
			watcher.Close()
		}
		return 1
	}
	obx.Start()

	var bg sync.WaitGroup
	if cfg.Retention.MaxAge.Std() > 0 && cfg.Retention.Interval.Std() > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			cleanupLoop(ctx, logger, metrics, cfg.Retention, inboundStore, outboxStore)
		}()
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()
	logger.Info("daemon_started",
		slog.String("version", version),
		slog.String("admin_listen", cfg.Admin.Listen),
		slog.Bool("postgres", cfg.DB.PostgresDSN != ""),
		slog.Bool("tracing", tracingEnabled),
	)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("signal_received")
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin_serve_failed", slog.Any("err", err))
			exitCode = 1
		}
	}
	stop()

	logger.Info("shutdown_begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	if watcher != nil {
		watcher.Close()
	}
	if !obx.Drain(10 * time.Second) {
		logger.Warn("outbox_drain_timeout")
	}
	if !sched.Shutdown(10 * time.Second) {
		logger.Warn("inbound_shutdown_timeout")
	}
	bg.Wait()

	if tracingShutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracingShutdown(flushCtx); err != nil {
			logger.Warn("tracing_shutdown_failed", slog.Any("err", err))
		}
		cancel()
	}

	logger.Info("shutdown_complete")
	return exitCode
}

func openStores(db config.DBConfig) (queue.Store, queue.Store, error) {
	if strings.TrimSpace(db.PostgresDSN) != "" {
		in, err := queue.NewPostgresStore(db.PostgresDSN, queue.InstanceInbound)
		if err != nil {
			return nil, nil, err
		}
		out, err := queue.NewPostgresStore(db.PostgresDSN, queue.InstanceOutbox)
		if err != nil {
			in.Close()
			return nil, nil, err
		}
		return in, out, nil
	}

	in, err := queue.NewSQLiteStore(db.Path, queue.InstanceInbound)
	if err != nil {
		return nil, nil, err
	}
	out, err := queue.NewSQLiteStore(db.Path, queue.InstanceOutbox)
	if err != nil {
		in.Close()
		return nil, nil, err
	}
	return in, out, nil
}

func inboundPolicy(cfg config.InboundConfig) backoff.Policy {
	if len(cfg.Backoff) == 0 {
		return backoff.DefaultInbound()
	}
	sched := make(backoff.Schedule, len(cfg.Backoff))
	for i, d := range cfg.Backoff {
		sched[i] = d.Std()
	}
	return sched
}

// recipientLoader re-reads the config file so recipient edits take effect
// without a restart once the resolver cache is invalidated.
func recipientLoader(path string) outbox.LoadFunc {
	return func() ([]outbox.Recipient, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		recipients := make([]outbox.Recipient, 0, len(cfg.Recipients))
		for _, rec := range cfg.Recipients {
			recipients = append(recipients, outbox.Recipient{
				Channel:   rec.Channel,
				Transport: rec.Transport,
				Target:    rec.Target,
			})
		}
		return recipients, nil
	}
}

// watchConfig watches the config file's directory rather than the file
// itself; editors and config management tools replace files, which drops a
// watch placed directly on the path.
func watchConfig(ctx context.Context, logger *slog.Logger, path string, resolver *outbox.Resolver) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				resolver.Invalidate()
				logger.Info("config_changed",
					slog.String("path", path),
					slog.String("op", ev.Op.String()),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config_watch_error", slog.Any("err", err))
			}
		}
	}()
	return watcher, nil
}

func cleanupLoop(ctx context.Context, logger *slog.Logger, metrics *runtimeMetrics, cfg config.RetentionConfig, stores ...queue.Store) {
	ticker := time.NewTicker(cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.MaxAge.Std())
			removed := 0
			for _, st := range stores {
				n, err := st.Cleanup(cutoff)
				if err != nil {
					logger.Warn("cleanup_failed", slog.Any("err", err))
					continue
				}
				removed += n
			}
			if removed > 0 {
				metrics.cleanupRemovedTotal.Add(int64(removed))
				logger.Info("cleanup_removed", slog.Int("rows", removed))
			}
		}
	}
}
