package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	llamarelay "github.com/MegaGrindStone/llama-relay"
	"github.com/MegaGrindStone/llama-relay/internal/handlers"
	"github.com/MegaGrindStone/llama-relay/internal/services"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

type historyStore interface {
	handlers.Store
	io.Closer
}

// jsonStore adapts JSONFile, which holds no open resources, to historyStore.
type jsonStore struct {
	services.JSONFile
}

func (jsonStore) Close() error { return nil }

var (
	cfgPathFlag string
	forceFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "llama-relay-server",
	Short: "Relay terminal chat sessions to a local llama.cpp server",
	Long: `llama-relay-server serves chat sessions over WebSocket and streams every reply
from a llama.cpp server it runs as a child process. The chat history is shared
by all sessions and persisted after every message. Clients can switch the
active model, which restarts the child process.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, _, err := configPaths()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !forceFlag {
			return fmt.Errorf("config file %s already exists, use --force to overwrite it", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
		if err := os.WriteFile(path, llamarelay.ExampleConfig, 0o644); err != nil {
			return fmt.Errorf("error writing config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote example config to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPathFlag, "config", "c", "",
		"Path to the config file (default <user config dir>/llama-relay/config.yaml)")
	initCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Overwrite an existing config file")

	rootCmd.AddCommand(initCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// configPaths returns the config file to read and the directory that holds data files by default.
func configPaths() (cfgPath, dataDir string, err error) {
	dataDir, err = defaultConfigDir()
	if err != nil {
		return "", "", err
	}
	if cfgPathFlag != "" {
		return cfgPathFlag, dataDir, nil
	}
	return filepath.Join(dataDir, "config.yaml"), dataDir, nil
}

func run(ctx context.Context) error {
	cfgPath, dataDir, err := configPaths()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cfgPath, dataDir)
	if err != nil {
		return err
	}

	level, _ := cfg.logLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if _, ok := cfg.Models[cfg.Default]; !ok {
		logger.Warn("Default model is not configured, no backend runs until a model is selected",
			slog.String("default", cfg.Default))
	}

	store, err := openStore(cfg.History)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close history store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	pmOpts := []services.ProcessManagerOption{services.WithStopTimeout(cfg.Backend.StopTimeout)}
	if cfg.Backend.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Backend.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("error opening backend log file: %w", err)
		}
		defer logFile.Close()
		pmOpts = append(pmOpts, services.WithOutput(logFile))
	}
	pm := services.NewProcessManager(cfg.Backend.Executable, cfg.Backend.Port, logger, pmOpts...)

	llm := services.NewLlamaCPP(cfg.backendURL(), logger)

	serverCfg := cfg.serverConfig()
	m, err := handlers.NewMain(serverCfg, llm, store, pm, logger)
	if err != nil {
		return err
	}

	// The backend is started for whichever model the history points at; a failure leaves the server
	// running so that a client can pick another model.
	if mc, ok := serverCfg.Model(m.CurrentModel()); ok {
		if err := pm.Start(mc.Path, mc.Args); err != nil {
			logger.Warn("Failed to start backend",
				slog.String("model", mc.ID),
				slog.String(errLoggerKey, err.Error()))
		} else {
			logger.Info("Backend booted", slog.String("model", mc.ID), slog.Int("pid", pm.PID()))
		}
	}
	defer func() {
		if !pm.Running() {
			logger.Debug("Backend not running at shutdown")
			return
		}
		if err := pm.Stop(); err != nil {
			logger.Error("Failed to stop backend", slog.String(errLoggerKey, err.Error()))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.HandleWS)
	mux.HandleFunc("/healthz", m.HandleHealth)

	srv := &http.Server{
		Addr:              cfg.addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Hijacked WebSocket connections are not tracked by the server, so sessions are closed separately.
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to close sessions", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("backend", llm.Endpoint()),
			slog.String("history", cfg.History.Path))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		// RegisterOnShutdown hooks run in their own goroutines; give the sessions the same budget.
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("Sessions did not end in time", slog.String(errLoggerKey, err.Error()))
		}
	}

	return nil
}

func openStore(cfg historyConfig) (historyStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating history directory: %w", err)
	}

	switch cfg.Backend {
	case historyBackendBolt:
		db, err := services.NewBoltDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return jsonStore{services.NewJSONFile(cfg.Path)}, nil
	}
}
