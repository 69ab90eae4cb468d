package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/techsuite-notify/internal/auth"
	"github.com/rickgao/techsuite-notify/internal/config"
	"github.com/rickgao/techsuite-notify/internal/connection"
	"github.com/rickgao/techsuite-notify/internal/database"
	"github.com/rickgao/techsuite-notify/internal/httpapi"
	"github.com/rickgao/techsuite-notify/internal/journal"
	"github.com/rickgao/techsuite-notify/internal/metrics"
	"github.com/rickgao/techsuite-notify/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/notifytail.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	logger.Info("starting notifytail",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("notifytail failed", "error", err)
		os.Exit(1)
	}

	logger.Info("notifytail stopped")
}

func run(cfg *config.NotifyConfig, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Token store
	tokens := auth.NewStore(cfg.Auth.Token)
	if cfg.Auth.TokenFile != "" {
		token, err := auth.LoadTokenFile(cfg.Auth.TokenFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if token != "" {
			tokens.Set(token)
		}
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	// Connection Manager
	mgrCfg, err := managerConfig(cfg, logger, collector)
	if err != nil {
		return err
	}
	mgr := connection.NewManager(mgrCfg, tokens, logger)

	logger.Info("configuration loaded",
		"ws_url", mgrCfg.URL,
		"queue_size", mgrCfg.QueueSize,
		"overflow", mgrCfg.Overflow,
		"max_attempts", mgrCfg.Backoff.MaxAttempts,
		"channels", len(cfg.Subscriptions.Channels),
	)

	// Journal
	var (
		pool   *pgxpool.Pool
		writer *journal.Writer
	)
	if cfg.Journal.Enabled {
		db := cfg.Journal.Database
		logger.Info("connecting to database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err = database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		writer = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, collector, logger)
		if err := writer.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("create journal schema: %w", err)
		}
		writer.Start(ctx)
		mgr.OnFrame(writer.Handle)
		logger.Info("journal enabled")
	}

	// Startup subscriptions
	for _, ch := range cfg.Subscriptions.Channels {
		mgr.Subscribe(ch, logFrame(logger))
	}
	mgr.OnFrame(func(f connection.Frame) {
		logger.Debug("frame received", "type", f.Type, "channel", f.Channel, "size", len(f.Data))
	})

	// Status server
	opts := httpapi.Options{
		Manager:     mgr,
		Gatherer:    reg,
		MetricsPath: cfg.Metrics.Path,
		Logger:      logger,
	}
	if writer != nil {
		opts.Journal = writer
		opts.DB = pool
	}
	server := httpapi.NewServer(cfg.Metrics.Port, httpapi.NewRouter(opts))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting status server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	if cfg.Auth.TokenFile != "" {
		g.Go(func() error {
			auth.WatchFile(gctx, tokens, cfg.Auth.TokenFile, cfg.Auth.PollInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		logStatus(gctx, mgr.Events(), logger)
		return nil
	})

	if err := mgr.Connect(gctx); err != nil {
		if errors.Is(err, connection.ErrNoToken) {
			logger.Warn("no auth token yet, waiting for token file", "path", cfg.Auth.TokenFile)
		} else {
			logger.Warn("initial connect failed, retrying in background", "error", err)
		}
	}

	logger.Info("notifytail running",
		"status_url", fmt.Sprintf("http://localhost:%d/status", cfg.Metrics.Port),
	)

	// Shutdown once the context ends or a component fails
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := mgr.Close(shutdownCtx); err != nil {
			logger.Warn("connection manager close failed", "error", err)
		}
		if writer != nil {
			if err := writer.Stop(shutdownCtx); err != nil {
				logger.Warn("journal writer stop failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// managerConfig maps the file config onto the Connection Manager.
func managerConfig(cfg *config.NotifyConfig, logger *slog.Logger, rec connection.Recorder) (connection.ManagerConfig, error) {
	wsURL := cfg.API.WSURL
	if wsURL == "" {
		var err error
		wsURL, err = connection.WebSocketURL(cfg.API.BaseURL)
		if err != nil {
			return connection.ManagerConfig{}, err
		}
	}

	overflow, err := connection.ParseOverflowPolicy(cfg.Connection.OverflowPolicy)
	if err != nil {
		return connection.ManagerConfig{}, err
	}

	mc := connection.DefaultManagerConfig()
	mc.URL = wsURL
	mc.Backoff = connection.Backoff{
		Base:        cfg.Connection.ReconnectBaseDelay,
		Max:         cfg.Connection.ReconnectMaxDelay,
		MaxAttempts: cfg.Connection.MaxAttempts,
	}
	mc.QueueSize = cfg.Connection.QueueSize
	mc.Overflow = overflow
	mc.RequireAuthAck = cfg.Auth.AuthAckRequired()
	mc.AuthAckType = cfg.Auth.AckType
	mc.AuthRejectType = cfg.Auth.RejectType
	mc.AuthAckTimeout = cfg.Auth.AckTimeout
	mc.EventBufferSize = cfg.Connection.EventBuffer
	mc.Recorder = rec
	mc.Dialer = connection.NewDialer(connection.DialerConfig{
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		WriteTimeout:     cfg.Connection.WriteTimeout,
		PingInterval:     cfg.Connection.PingInterval,
		UserAgent:        version.UserAgent(),
	}, logger)

	return mc, nil
}

// logFrame returns a handler that logs channel notifications.
func logFrame(logger *slog.Logger) connection.Handler {
	return func(f connection.Frame) {
		logger.Info("notification",
			"channel", f.Channel,
			"type", f.Type,
			"conn_id", f.ConnID,
			"payload", string(f.Data),
		)
	}
}

// logStatus logs status transitions until events is closed or ctx is done.
func logStatus(ctx context.Context, events <-chan connection.StatusEvent, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"from", ev.From, "to", ev.To, "attempts", ev.Attempts}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			switch ev.To {
			case connection.StatusError:
				logger.Error("connection status", attrs...)
			case connection.StatusReconnecting:
				logger.Warn("connection status", attrs...)
			default:
				logger.Info("connection status", attrs...)
			}
		}
	}
}

// parseLevel maps a validated log level name to a slog.Level.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
