package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/inciq/internal/api"
	"github.com/kalambet/inciq/internal/config"
	"github.com/kalambet/inciq/internal/engine"
	"github.com/kalambet/inciq/internal/ingest"
	"github.com/kalambet/inciq/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the inciq server (foreground)",
	Long: `Start the trigger API and, unless disabled, the built-in scheduler.

With --mcp the operator tools are also served over MCP on stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
		return runServer(withMCP, !noScheduler)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inciq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
	startCmd.Flags().Bool("no-scheduler", false, "only run phases when triggered")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inciq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.LogConfig) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func runServer(withMCP, withScheduler bool) error {
	fmt.Fprintf(os.Stderr, "inciq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	if cfg.API.Secret == "" {
		printWarning("api.secret is not set; /pipeline endpoints will answer 503")
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := detectEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	models := []string{cfg.Extraction.ExtractModel, cfg.Extraction.EnrichModel}
	if err := engine.EnsureReady(ctx, eng, models, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	runner, err := buildRunner(cfg, eng, store)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Runner: runner,
			Health: store,
			Secret: cfg.API.Secret,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withScheduler {
		sched := ingest.NewScheduler(runner, ingest.SchedulerConfig{
			Interval:     cfg.Pipeline.ScheduleIntervalDuration(),
			ScanInterval: cfg.Pipeline.ScanIntervalDuration(),
		})
		go sched.Run(ctx)
		slog.Info("scheduler started", "interval", cfg.Pipeline.ScheduleInterval)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Runner: runner, Ingredients: store})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		printStep("inciq listening on %s", addr)
		printField(os.Stderr, "backend", eng.Name())
		printField(os.Stderr, "data", cfg.Storage.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// A triggered phase may still be writing; give it the safety margin to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.SafetyMarginDuration()+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("inciq is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping inciq (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to inciq (PID %d)", pid)
	return nil
}
