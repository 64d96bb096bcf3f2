package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/entl/termhub/internal/config"
	"github.com/entl/termhub/internal/gateway"
	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/logger"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/server"
	"github.com/entl/termhub/internal/session"
	"github.com/entl/termhub/internal/storage"
	"github.com/entl/termhub/internal/suggest"
	"github.com/entl/termhub/internal/system"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the terminal server",
	Long: `Run the HTTP and WebSocket server. Settings come from TERMHUB_*
environment variables; flags on the root command take precedence.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// applyFlags copies explicitly set global flags over the environment.
func applyFlags(cmd *cobra.Command, s *config.Settings) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		s.Addr = addr
	}
	if flags.Changed("log-level") {
		s.LogLevel = logLevel
	}
	if flags.Changed("pretty") {
		s.LogPretty = pretty
	}
	if flags.Changed("data-dir") {
		s.DataDir = dataDir
		if os.Getenv(config.Prefix+"_HISTORY_DIR") == "" {
			s.HistoryDir = filepath.Join(dataDir, "terminal-history")
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logs, err := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		File:   cfg.LogFile,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	log := logs.Component("main")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	m := metrics.New()

	store, err := history.NewStore(cfg.HistoryDir, history.Options{
		MaxRaw:    cfg.HistoryMaxRaw,
		Unlimited: cfg.HistoryUnlimited,
		Logger:    logs.Logger,
		OnFailure: m.HistoryFailed,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release history directory lock")
		}
	}()

	db, err := storage.NewDB(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("db close error")
		}
	}()

	pruner, err := startPruner(db, cfg.CommandRetention, logs.Component("prune"))
	if err != nil {
		return err
	}
	defer func() { <-pruner.Stop().Done() }()

	recorder := history.NewRecorder(store, db, logs.Logger)
	defer recorder.Close()

	registry := session.NewRegistry(session.Options{
		Shell:         cfg.ShellOverride,
		ReplayMax:     cfg.EffectiveReplayMax(),
		GracePeriod:   cfg.GracePeriod,
		OrphanTimeout: cfg.OrphanTimeout,
		History:       recorder,
		Metrics:       m,
		Logger:        logs.Logger,
	})
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("registry close error")
		}
	}()

	gw, err := gateway.NewServer(gateway.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Sessions:       registry,
		History:        recorder,
		Metrics:        m,
		Logger:         logs.Logger,
	})
	if err != nil {
		return err
	}

	sys := system.New(version, build, logs.Logger)
	suggestions := suggest.NewService(logs.Logger,
		suggest.NewHistoryProvider(db),
		suggest.NewStaticProvider(),
	)

	api := server.New(server.Config{
		Gateway:  gw,
		Sessions: registry,
		DB:       db,
		History:  recorder,
		Suggest:  suggestions,
		System:   sys,
		Metrics:  m,
		Logger:   logs.Logger,
	})

	errCh := make(chan error, 2)

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		go func() {
			log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
			if err := sys.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		defer sys.Stop()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("historyDir", cfg.HistoryDir).
			Str("version", version).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	sys.SetServing(true)

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server failed")
		return err
	}

	sys.SetServing(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown error")
	}

	// Deferred in reverse: registry, recorder, pruner, db, history lock.
	log.Info().Msg("Server stopped")
	return nil
}
